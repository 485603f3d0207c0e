// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package rivulet provides reactive bridges between application code and
// Apache Kafka.
//
// The inbound bridge lives in the receiver package. It turns Kafka's
// polling consumer into a back-pressured record stream with explicit
// acknowledgement and offset commit semantics.
package rivulet

import (
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// Logger returns a named [slog.Logger] which writes records through the
// globally registered OpenTelemetry logger provider.
func Logger(name string) *slog.Logger {
	return otelslog.NewLogger(name)
}
