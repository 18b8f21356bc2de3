package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/azalio/localsd/internal/otel/metrics"
	"github.com/azalio/localsd/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	err    error
	called bool
}

func (p *stubProvider) Shutdown(context.Context) error {
	p.called = true
	return p.err
}

func newTestLogger(t *testing.T) (*logger.Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	log, err := logger.New(logger.Config{Level: logger.InfoLevel, Service: "test", Output: buf})
	require.NoError(t, err)
	return log, buf
}

func TestShutdownTracing_LogsError(t *testing.T) {
	log, buf := newTestLogger(t)
	tp := &stubProvider{err: errors.New("exporter stuck")}

	shutdownTracing(log, tp)

	assert.True(t, tp.called)
	assert.Contains(t, buf.String(), "Failed to shutdown tracer provider")
	assert.Contains(t, buf.String(), "exporter stuck")
}

func TestShutdownTracing_Clean(t *testing.T) {
	log, buf := newTestLogger(t)
	tp := &stubProvider{}

	shutdownTracing(log, tp)

	assert.True(t, tp.called)
	assert.Empty(t, buf.String())
}

func TestFlushMetrics_WritesTextfile(t *testing.T) {
	log, buf := newTestLogger(t)
	mp, err := metrics.InitMetrics()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "localsd.prom")
	flushMetrics(log, mp, path)

	assert.FileExists(t, path)
	assert.Empty(t, buf.String())
}
