package image

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bytecache/pkg/metrics"
)

func (m *Manager) handle(cmd Command) {
	requestID := uuid.NewString()

	switch c := cmd.(type) {
	case *PullCommand:
		m.handlePull(requestID, c)
	case *GetBytecodeCommand:
		m.handleGetBytecode(requestID, c)
	default:
		m.log.WithField("request_id", requestID).Warnf("Ignoring unknown command %T", cmd)
	}
}

func (m *Manager) handlePull(requestID string, cmd *PullCommand) {
	log := m.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"ref":        cmd.Image,
		"policy":     cmd.PullPolicy.String(),
	})
	timer := m.metrics.NewTimer(log, "pull")
	defer timer.Stop()

	res, outcome, err := m.getImage(log, cmd)
	m.metrics.ObservePull(cmd.PullPolicy.String(), outcome)
	if err != nil {
		log.WithError(err).Error("Failed to pull bytecode image")
		res = PullResult{Err: err}
	} else {
		log.WithFields(logrus.Fields{
			"prefix":   res.Prefix,
			"function": res.FunctionName,
			"outcome":  outcome,
		}).Info("Bytecode image ready")
	}

	select {
	case cmd.Reply <- res:
	default:
		log.Warn("Pull caller is not waiting for the reply")
	}
}

func (m *Manager) handleGetBytecode(requestID string, cmd *GetBytecodeCommand) {
	log := m.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"prefix":     cmd.Prefix,
	})
	timer := m.metrics.NewTimer(log, "get_bytecode")
	defer timer.Stop()

	data, err := m.getBytecode(log, cmd.Prefix)
	if err != nil {
		if IsKind(err, KindIntegrityViolation) {
			m.metrics.IntegrityViolations.Inc()
		}
		log.WithError(err).Error("Failed to get bytecode")
	} else {
		log.WithField("size", len(data)).Debug("Bytecode read from store")
	}

	select {
	case cmd.Reply <- BytecodeResult{Bytes: data, Err: err}:
	default:
		log.Warn("GetBytecode caller is not waiting for the reply")
	}
}

// outcomeFor maps a pull error to its metrics outcome.
func outcomeFor(err error, cached bool) string {
	switch {
	case err != nil:
		return metrics.OutcomeFailure
	case cached:
		return metrics.OutcomeCached
	default:
		return metrics.OutcomePulled
	}
}
