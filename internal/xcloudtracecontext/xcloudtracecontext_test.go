package xcloudtracecontext_test

import (
	"github.com/adminpanel/relay/internal/xcloudtracecontext"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestDeconstruct(t *testing.T) {
	testCases := []struct {
		Name         string
		Header       string
		TraceID      string
		SpanID       string
		TraceSampled bool
	}{
		{"full", "105445aa7843bc8bf206b120001000/1;o=1", "105445aa7843bc8bf206b120001000", "1", true},
		{"not sampled", "105445aa7843bc8bf206b120001000/1;o=0", "105445aa7843bc8bf206b120001000", "1", false},
		{"no options", "105445aa7843bc8bf206b120001000/42", "105445aa7843bc8bf206b120001000", "42", false},
		{"trace only", "105445aa7843bc8bf206b120001000", "105445aa7843bc8bf206b120001000", "", false},
		{"zero span", "105445aa7843bc8bf206b120001000/0;o=1", "105445aa7843bc8bf206b120001000", "", true},
		{"garbage trace", "not-a-trace/1;o=1", "", "", false},
		{"garbage span", "abc/xyz", "abc", "", false},
		{"empty", "", "", "", false},
	}

	for _, testCase := range testCases {
		testCase := testCase

		t.Run(testCase.Name, func(t *testing.T) {
			traceID, spanID, traceSampled := xcloudtracecontext.Deconstruct(testCase.Header)

			assert.Equal(t, testCase.TraceID, traceID)
			assert.Equal(t, testCase.SpanID, spanID)
			assert.Equal(t, testCase.TraceSampled, traceSampled)
		})
	}
}
