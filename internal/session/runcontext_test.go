package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/the-leads-must-flow/internal/dedup"
	"github.com/Veraticus/the-leads-must-flow/internal/model"
)

func validRunContext() RunContext {
	return RunContext{
		StartedAt:  time.Now().UTC(),
		SessionID:  NewSessionID(),
		User:       "alice",
		SearchTerm: "bakers portland",
		Sources:    []model.Source{model.SourceInstagram, model.SourceFacebook},
		Strategy:   dedup.StrategyUserAware,
		Iterations: 5,
	}
}

func TestNewSessionID_Unique(t *testing.T) {
	assert.NotEqual(t, NewSessionID(), NewSessionID())
}

func TestRunContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RunContext)
		wantErr bool
	}{
		{name: "valid", mutate: func(*RunContext) {}},
		{name: "missing session id", mutate: func(rc *RunContext) { rc.SessionID = "" }, wantErr: true},
		{name: "missing user", mutate: func(rc *RunContext) { rc.User = "" }, wantErr: true},
		{name: "no sources", mutate: func(rc *RunContext) { rc.Sources = nil }, wantErr: true},
		{name: "duplicate sources", mutate: func(rc *RunContext) {
			rc.Sources = []model.Source{model.SourceInstagram, model.SourceInstagram}
		}, wantErr: true},
		{name: "unknown source", mutate: func(rc *RunContext) {
			rc.Sources = []model.Source{model.Source("friendster")}
		}, wantErr: true},
		{name: "zero start time", mutate: func(rc *RunContext) { rc.StartedAt = time.Time{} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := validRunContext()
			tt.mutate(&rc)
			err := rc.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunContext_JobConfig(t *testing.T) {
	rc := validRunContext()

	cfg := rc.JobConfig(model.SourceInstagram, 7)
	require.Equal(t, "alice", cfg.User)
	assert.Equal(t, "bakers portland", cfg.SearchTerm)
	assert.Equal(t, model.SourceInstagram, cfg.Source)
	assert.Equal(t, 5, cfg.Iterations)
	assert.Equal(t, 7, cfg.MaxLeads)
}
