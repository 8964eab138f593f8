package mirage

import "go.uber.org/zap"

// Notifier provides generic notification sending
type Notifier interface {
	Notify(title string, message string)
}

// logNotifier surfaces notifications through the log. mirage runs headless
// next to the appliance, so there's no desktop to toast at.
type logNotifier struct {
	logger *zap.SugaredLogger
}

func NewLogNotifier(logger *zap.SugaredLogger) (Notifier, error) {
	logger = logger.Named("notifier")

	logger.Debug("Created log notifier instance")

	return &logNotifier{logger: logger}, nil
}

func (n *logNotifier) Notify(title string, message string) {
	n.logger.Infow("Notification", "title", title, "message", message)
}
