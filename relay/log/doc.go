// Package log defines the structured logging facade shared by all relay
// packages. Components depend on the Logger interface only; the zap-backed
// production implementation lives in relay/zap.
package log
