package replay

import (
	"math"

	"github.com/sirupsen/logrus"
)

// LogRecord writes the live per-request event for rec: Info for completed
// requests, Warn for failures.
func LogRecord(rec TimingRecord) {
	fields := logrus.Fields{
		"entry":     rec.EntryID,
		"scheduled": round(rec.Scheduled),
	}
	if rec.SessionID != "" {
		fields["session"] = rec.SessionID
	}
	if rec.SendTime != nil {
		fields["send"] = round(*rec.SendTime)
	}
	if rec.AdmissionWait > 0 {
		fields["admission_wait"] = round(rec.AdmissionWait)
	}
	if v, ok := rec.TTFT(); ok {
		fields["ttft"] = round(v)
	}
	if v, ok := rec.TPOT(); ok {
		fields["tpot"] = round(v)
	}
	if rec.LengthMismatch {
		fields["length_mismatch"] = true
	}

	if rec.Error != ErrorNone {
		fields["error"] = string(rec.Error)
		logrus.WithFields(fields).Warnf("Request failed: %s", rec.ErrorMessage)
		return
	}
	fields["tokens"] = rec.OutputTokens()
	logrus.WithFields(fields).Info("Request completed")
}

// round keeps log lines readable at microsecond precision.
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
