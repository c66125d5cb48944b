package notify

import (
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// LogHandler writes notifications to the application log
type LogHandler struct {
	logger *zap.SugaredLogger
}

// NewLogHandler creates a new log notification handler
func NewLogHandler(logger *zap.SugaredLogger) *LogHandler {
	return &LogHandler{logger: logger}
}

// SendNotification implements Handler
func (h *LogHandler) SendNotification(n *Notification) {
	fields := []interface{}{"level", n.Level.String(), "title", n.Title, "message", n.Message}
	if n.Level == LevelError {
		h.logger.Warnw("User notification", fields...)
		return
	}
	h.logger.Infow("User notification", fields...)
}

// DesktopHandler shows notifications as OS desktop notifications
type DesktopHandler struct {
	logger  *zap.SugaredLogger
	appName string
	notify  func(title, message string) error
	alert   func(title, message string) error
}

// NewDesktopHandler creates a desktop notification handler
func NewDesktopHandler(appName string, logger *zap.SugaredLogger) *DesktopHandler {
	beeep.AppName = appName
	return &DesktopHandler{
		logger:  logger,
		appName: appName,
		notify:  func(title, message string) error { return beeep.Notify(title, message, "") },
		alert:   func(title, message string) error { return beeep.Alert(title, message, "") },
	}
}

// SendNotification implements Handler
func (h *DesktopHandler) SendNotification(n *Notification) {
	title := n.Title
	if title == "" {
		title = h.appName
	}
	var err error
	if n.Level == LevelError {
		err = h.alert(title, n.Message)
	} else {
		err = h.notify(title, n.Message)
	}
	if err != nil {
		h.logger.Debugw("Desktop notification failed", "error", err)
	}
}
