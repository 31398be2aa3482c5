package server

import (
	"crypto/sha256"
	"encoding/hex"
	"go.uber.org/zap"
	"net/http"
)

const (
	connectionField = "relay-connection"
	targetField     = "session-target"
	usernameField   = "session-username-hashed"
	originField     = "websocket-origin"
)

func ConnectionField(id string) zap.Field {
	return zap.String(connectionField, id)
}

func TargetField(target string) zap.Field {
	return zap.String(targetField, target)
}

func HashedUsernameField(username string) zap.Field {
	return zap.String(usernameField, hashed(username))
}

func OriginField(request *http.Request) zap.Field {
	return zap.String(originField, request.Header.Get("Origin"))
}

func hashed(s string) string {
	digest := sha256.Sum256([]byte(s))
	return hex.EncodeToString(digest[:])
}
