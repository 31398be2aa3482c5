// Package xcloudtracecontext parses the X-Cloud-Trace-Context header that Google's
// load balancers attach to incoming requests.
//
// The header looks like "TRACE_ID/SPAN_ID;o=TRACE_TRUE", every part being optional,
// see https://cloud.google.com/trace/docs/setup#force-trace.
package xcloudtracecontext

import "strings"

const HeaderName = "X-Cloud-Trace-Context"

func Deconstruct(s string) (traceID, spanID string, traceSampled bool) {
	s, options, _ := strings.Cut(strings.TrimSpace(s), ";")
	traceID, spanID, _ = strings.Cut(s, "/")

	if !isHex(traceID) {
		return "", "", false
	}
	if !isDecimal(spanID) || spanID == "0" {
		spanID = ""
	}

	for _, option := range strings.Split(options, ";") {
		if key, value, ok := strings.Cut(strings.TrimSpace(option), "="); ok && key == "o" {
			traceSampled = value == "1"
		}
	}

	return traceID, spanID, traceSampled
}

func isHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') {
			return false
		}
	}

	return true
}

func isDecimal(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}
