package eventhub

// InstrumentationVersion is reported by the OpenTelemetry tracer and meter.
const InstrumentationVersion = "0.4.0"
