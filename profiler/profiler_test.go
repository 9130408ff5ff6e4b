// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profiler

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crlotwhite/libetude/liberr"
)

func newTestProfiler() *Profiler {
	return New(zerolog.New(io.Discard))
}

func TestStartEndRecordsOperationCount(t *testing.T) {
	p := newTestProfiler()
	require.NoError(t, p.Start("forward"))
	require.NoError(t, p.End("forward"))
	require.NoError(t, p.Start("forward"))
	require.NoError(t, p.End("forward"))

	report := p.Report()
	require.Len(t, report.Operations, 2)
	assert.Equal(t, "forward", report.Operations[0].Name)
	assert.GreaterOrEqual(t, report.Session.TotalInferenceTime, int64(0))
}

func TestStartRejectsDoubleStart(t *testing.T) {
	p := newTestProfiler()
	require.NoError(t, p.Start("forward"))
	err := p.Start("forward")
	require.Error(t, err)
	assert.Equal(t, liberr.InvalidState, liberr.CodeOf(err))
}

func TestEndRejectsUnstartedSpan(t *testing.T) {
	p := newTestProfiler()
	err := p.End("forward")
	require.Error(t, err)
	assert.Equal(t, liberr.NotFound, liberr.CodeOf(err))
}

func TestReportJSONRoundTrips(t *testing.T) {
	p := newTestProfiler()
	require.NoError(t, p.Start("synthesize"))
	require.NoError(t, p.End("synthesize"))

	data, err := p.ReportJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), "synthesize")
	assert.Contains(t, string(data), "session")
	assert.Contains(t, string(data), "cpu_cycles")
}

func TestResetClearsHistory(t *testing.T) {
	p := newTestProfiler()
	require.NoError(t, p.Start("forward"))
	require.NoError(t, p.End("forward"))
	p.Reset()
	report := p.Report()
	assert.Empty(t, report.Operations)
}

func TestStartAfterEndIsAllowedAgain(t *testing.T) {
	p := newTestProfiler()
	require.NoError(t, p.Start("forward"))
	require.NoError(t, p.End("forward"))
	require.NoError(t, p.Start("forward"))
	require.NoError(t, p.End("forward"))
}
