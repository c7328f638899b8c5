// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry configures OpenTelemetry tracing and metrics for the
// imager.
//
// The dag executor and the pipeline controller use otel.Tracer and
// otel.Meter directly; Init decides where their spans and instruments go.
//
// # Trace exporters
//
//   - otlp: OTLP over gRPC (Jaeger, Tempo, any collector)
//   - stdout: pretty-printed spans, useful with `skyimager run`
//   - none: spans are dropped
//
// # Metric exporters
//
//   - prometheus: registered with the default Prometheus registry (the API serves it at /metrics)
//   - stdout: periodic pretty-printed readings
//   - none
//
// # Environment Variables
//
//   - SKYIMAGER_ENV: environment name (default: development)
//   - OTEL_TRACES_EXPORTER: overrides the trace exporter
//   - OTEL_METRICS_EXPORTER: overrides the metric exporter
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
package telemetry
