// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package log

import (
	"errors"
	"testing"

	"github.com/luxfi/node/utils/logging"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewWithLevel(t *testing.T) {
	l, err := NewWithLevel("debug")
	require.NoError(t, err)
	require.NotNil(t, l)

	_, err = NewWithLevel("chatty")
	require.Error(t, err)
}

func TestWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := FromZap(zap.New(core)).With(String("component", "ledger"))

	l.Warn("transition rejected", String("auction", "auc-1"), Error(errors.New("conflict")))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "ledger", fields["component"])
	require.Equal(t, "auc-1", fields["auction"])
	require.Equal(t, "conflict", fields["error"])
}

func TestNoOp(t *testing.T) {
	l := NoOp()
	l.Info("ignored")
	require.NoError(t, l.Sync())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    logging.Level
		wantErr bool
	}{
		{in: "debug", want: logging.Debug},
		{in: "", want: logging.Info},
		{in: "warn", want: logging.Warn},
		{in: "error", want: logging.Error},
		{in: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
