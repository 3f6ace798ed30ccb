// Package logger is a handler that emits logs
package logger

import (
	"github.com/apex/log"
	"github.com/sslx/sslx/model"
)

var trustResult = map[model.TrustResult]string{
	model.TrustProceed:            "proceed",
	model.TrustUnspecified:        "unspecified",
	model.TrustRecoverableFailure: "recoverable-failure",
	model.TrustFatalFailure:       "fatal-failure",
	model.TrustDeny:               "deny",
}

var handshakeStatus = map[model.HandshakeStatus]string{
	model.HandshakeAgain:    "again",
	model.HandshakeDone:     "done",
	model.HandshakeRejected: "rejected",
	model.HandshakeFailed:   "failed",
}

// Handler is a handler that logs events.
type Handler struct {
	logger log.Interface
}

// NewHandler returns a new logging handler.
func NewHandler(logger log.Interface) *Handler {
	return &Handler{logger: logger}
}

// OnMeasurement logs the specific measurement
func (h *Handler) OnMeasurement(m model.Measurement) {
	if m.Connect != nil {
		h.logger.WithFields(log.Fields{
			"connID":        m.Connect.ConnID,
			"elapsed":       m.Connect.Time,
			"error":         m.Connect.Error,
			"localAddress":  m.Connect.LocalAddress,
			"remoteAddress": m.Connect.RemoteAddress,
		}).Debug("net: connect done")
	}
	if m.TLSHandshake != nil {
		h.logger.WithFields(log.Fields{
			"connID":   m.TLSHandshake.ConnID,
			"elapsed":  m.TLSHandshake.Time,
			"error":    m.TLSHandshake.Error,
			"hostname": m.TLSHandshake.Hostname,
			"status":   handshakeStatus[m.TLSHandshake.Status],
		}).Debug("tls: handshake done")
	}
	if m.TrustEvaluation != nil {
		h.logger.WithFields(log.Fields{
			"connID":   m.TrustEvaluation.ConnID,
			"elapsed":  m.TrustEvaluation.Time,
			"numCerts": m.TrustEvaluation.NumCerts,
			"prompted": m.TrustEvaluation.Prompted,
			"result":   trustResult[m.TrustEvaluation.Result],
		}).Debug("tls: trust evaluated")
	}
	if m.Read != nil {
		h.logger.WithFields(log.Fields{
			"blockedFor": m.Read.Duration,
			"connID":     m.Read.ConnID,
			"elapsed":    m.Read.Time,
			"numBytes":   m.Read.NumBytes,
		}).Debug("net: read done")
	}
	if m.Write != nil {
		h.logger.WithFields(log.Fields{
			"blockedFor": m.Write.Duration,
			"connID":     m.Write.ConnID,
			"elapsed":    m.Write.Time,
			"numBytes":   m.Write.NumBytes,
		}).Debug("net: write done")
	}
	if m.Close != nil {
		h.logger.WithFields(log.Fields{
			"connID":  m.Close.ConnID,
			"elapsed": m.Close.Time,
			"error":   m.Close.Error,
		}).Debug("net: close done")
	}
}
