// Package service implements the run orchestration core: the run state
// machine, HITL gate manager, webhook admission, and the background sweeps
// that keep soft gates and the admission store bounded.
package service

import (
	"github.com/mylo-james/myloware/internal/adapter/notify"
	"github.com/mylo-james/myloware/internal/config"
	"github.com/mylo-james/myloware/internal/domain"
	"github.com/mylo-james/myloware/internal/gateway"
	store "github.com/mylo-james/myloware/internal/repository"
	"github.com/mylo-james/myloware/internal/token"
	"github.com/mylo-james/myloware/policy"
)

// Bus topics. TopicRunEvents carries every artifact appended to a run's
// ledger, keyed by run id so per-run order survives delivery.
// TopicNotifications carries payloads bound for the notification channel.
const (
	TopicRunEvents     = "run.events"
	TopicNotifications = "notify"
)

// Consumer group names.
const (
	GroupNotifier = "notifier"
	GroupWatchers = "watchers"
)

type Service struct {
	store        store.Store
	gateway      *gateway.Gateway
	notifier     *notify.Client
	signer       *token.Signer
	policyEngine *policy.Engine
	config       *config.Config

	specs    map[string]*domain.PipelineSpec
	handlers *StageRegistry
	locks    runLocks
}

func New(st store.Store, gw *gateway.Gateway, notifier *notify.Client, signer *token.Signer, policyEngine *policy.Engine, cfg *config.Config, specs map[string]*domain.PipelineSpec, handlers *StageRegistry) *Service {
	if specs == nil {
		specs = make(map[string]*domain.PipelineSpec)
	}
	return &Service{
		store:        st,
		gateway:      gw,
		notifier:     notifier,
		signer:       signer,
		policyEngine: policyEngine,
		config:       cfg,
		specs:        specs,
		handlers:     handlers,
	}
}

// Store exposes the persistence layer to transports that only read
// (dead-letter listing, artifact queries).
func (s *Service) Store() store.Store {
	return s.store
}
