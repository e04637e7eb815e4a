package config

// Section identifiers used by this process. The config file's
// `sections` map has at most two top-level keys.
const (
	SectionIDModels    = "models"
	SectionIDScheduler = "scheduler"
)

// Default model strings used when a models.* key is unset.
const (
	DefaultPlannerModel  = "gpt-4o-mini"
	DefaultExecutorModel = "gpt-4o-mini"
	DefaultWatchdogModel = "gpt-4o-mini"
)

// Default scheduler settings used when the scheduler section is absent.
const (
	DefaultConcurrency     = 2
	DefaultHeadlessDefault = true
)

// Manager is a thin typed facade over a Store, giving callers direct
// accessors for the handful of keys this process actually reads instead
// of raw map[string]interface{} section lookups.
type Manager struct {
	store Store
}

// NewManager wraps store with typed accessors.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// ModelsConfig holds the models.* section.
type ModelsConfig struct {
	PlannerAgent       string
	ExecutorAgent      string
	WatchdogAgent      string
	SummarizationModel string
}

// SchedulerConfig holds the scheduler.* section.
type SchedulerConfig struct {
	Concurrency     int
	HeadlessDefault bool
}

// Models returns the models section with documented defaults applied to
// any unset key.
func (m *Manager) Models() (ModelsConfig, error) {
	section, err := m.store.GetSection(SectionIDModels)
	if err != nil {
		return ModelsConfig{}, err
	}

	cfg := ModelsConfig{
		PlannerAgent:  stringOr(section, "plannerAgent", DefaultPlannerModel),
		ExecutorAgent: stringOr(section, "executorAgent", DefaultExecutorModel),
		WatchdogAgent: stringOr(section, "watchdogAgent", DefaultWatchdogModel),
	}
	cfg.SummarizationModel = stringOr(section, "summarizationModel", cfg.ExecutorAgent)
	return cfg, nil
}

// SetModels persists cfg into the models section.
func (m *Manager) SetModels(cfg ModelsConfig) error {
	return m.store.SetSection(SectionIDModels, map[string]interface{}{
		"plannerAgent":       cfg.PlannerAgent,
		"executorAgent":      cfg.ExecutorAgent,
		"watchdogAgent":      cfg.WatchdogAgent,
		"summarizationModel": cfg.SummarizationModel,
	})
}

// Scheduler returns the scheduler section with documented defaults.
func (m *Manager) Scheduler() (SchedulerConfig, error) {
	section, err := m.store.GetSection(SectionIDScheduler)
	if err != nil {
		return SchedulerConfig{}, err
	}

	return SchedulerConfig{
		Concurrency:     intOr(section, "concurrency", DefaultConcurrency),
		HeadlessDefault: boolOr(section, "headlessDefault", DefaultHeadlessDefault),
	}, nil
}

// SetScheduler persists cfg into the scheduler section.
func (m *Manager) SetScheduler(cfg SchedulerConfig) error {
	return m.store.SetSection(SectionIDScheduler, map[string]interface{}{
		"concurrency":     cfg.Concurrency,
		"headlessDefault": cfg.HeadlessDefault,
	})
}

// Save persists the wrapped store to disk.
func (m *Manager) Save() error {
	return m.store.Save()
}

func stringOr(section map[string]interface{}, key, fallback string) string {
	if v, ok := section[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

func intOr(section map[string]interface{}, key string, fallback int) int {
	switch v := section[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func boolOr(section map[string]interface{}, key string, fallback bool) bool {
	if v, ok := section[key].(bool); ok {
		return v
	}
	return fallback
}
