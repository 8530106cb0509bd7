package lifecycle

import (
	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier reports lifecycle changes to the service manager.
type Notifier interface {
	Notify(state string) error
}

// SystemdNotifier talks sd_notify over $NOTIFY_SOCKET. When the process is
// not run by systemd the calls are silent no-ops.
type SystemdNotifier struct{}

func (SystemdNotifier) Notify(state string) error {
	_, err := daemon.SdNotify(false, state)
	return err
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(string) error { return nil }

// NotifyState maps a lifecycle state to the matching sd_notify message.
// States without a systemd counterpart return "".
func NotifyState(s State) string {
	switch s {
	case Running:
		return daemon.SdNotifyReady
	case ShuttingDown:
		return daemon.SdNotifyStopping
	default:
		return ""
	}
}

// StatusLine formats a free-form STATUS= message.
func StatusLine(msg string) string { return "STATUS=" + msg }
