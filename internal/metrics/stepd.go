package metrics

// StepdMetrics holds the metric set for the step engine.
type StepdMetrics struct {
	registry *Registry

	// Counters
	StepsValidated    *Counter
	NoiseRejections   *Counter
	RecordsWritten    *Counter
	DuplicatesSkipped *Counter
	FlushesTotal      *Counter
	FlushErrors       *Counter
	ImportsTotal      *Counter
	ImportErrors      *Counter
	SyncsAccepted     *Counter
	SyncsDropped      *Counter

	// Gauges
	CurrentAggregate *Gauge
	BufferDepth      *Gauge
	SessionActive    *Gauge
}

// NewStepdMetrics creates the engine metric set on the given registry.
func NewStepdMetrics(registry *Registry) *StepdMetrics {
	return &StepdMetrics{
		registry: registry,

		StepsValidated: registry.RegisterCounter(
			"steps_validated_total",
			"Total steps accepted by session validation",
			nil),
		NoiseRejections: registry.RegisterCounter(
			"noise_rejections_total",
			"Total increments rejected as noise",
			nil),
		RecordsWritten: registry.RegisterCounter(
			"records_written_total",
			"Total step records persisted",
			nil),
		DuplicatesSkipped: registry.RegisterCounter(
			"duplicates_skipped_total",
			"Total writes skipped as duplicates",
			nil),
		FlushesTotal: registry.RegisterCounter(
			"flushes_total",
			"Total buffer flushes",
			nil),
		FlushErrors: registry.RegisterCounter(
			"flush_errors_total",
			"Total buffer flush failures",
			nil),
		ImportsTotal: registry.RegisterCounter(
			"imports_total",
			"Total files imported",
			nil),
		ImportErrors: registry.RegisterCounter(
			"import_errors_total",
			"Total file imports that failed",
			nil),
		SyncsAccepted: registry.RegisterCounter(
			"syncs_accepted_total",
			"Total terminated-state syncs accepted",
			nil),
		SyncsDropped: registry.RegisterCounter(
			"syncs_dropped_total",
			"Total terminated-state syncs dropped",
			nil),

		CurrentAggregate: registry.RegisterGauge(
			"current_aggregate_steps",
			"Current published step aggregate",
			nil),
		BufferDepth: registry.RegisterGauge(
			"buffer_depth",
			"Pending writes in the flush buffer",
			nil),
		SessionActive: registry.RegisterGauge(
			"session_active",
			"1 when a tracking session is active",
			nil),
	}
}

// Registry returns the underlying registry.
func (m *StepdMetrics) Registry() *Registry {
	return m.registry
}

var defaultRegistry = NewRegistry("stepd")

// Default returns the default registry.
func Default() *Registry {
	return defaultRegistry
}
