// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package receiver

import (
	"log/slog"

	"github.com/z5labs/rivulet"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func logger() *slog.Logger {
	return rivulet.Logger("github.com/z5labs/rivulet/receiver")
}

func tracer() trace.Tracer {
	return otel.Tracer("github.com/z5labs/rivulet/receiver")
}
