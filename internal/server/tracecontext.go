package server

import (
	"github.com/adminpanel/relay/internal/xcloudtracecontext"
	"github.com/blendle/zapdriver"
	"go.uber.org/zap"
	"net/http"
)

// TraceContext turns the upgrade request's X-Cloud-Trace-Context header into
// zapdriver fields so that a connection's log entries group under its trace.
func (rs *RelayServer) TraceContext(request *http.Request) []zap.Field {
	var noContext []zap.Field

	if rs.gcpProjectID == "" {
		return noContext
	}

	headers := request.Header.Values(xcloudtracecontext.HeaderName)
	if len(headers) != 1 {
		return noContext
	}

	traceID, spanID, traceSampled := xcloudtracecontext.Deconstruct(headers[0])
	if traceID == "" {
		return noContext
	}

	return zapdriver.TraceContext(traceID, spanID, traceSampled, rs.gcpProjectID)
}
