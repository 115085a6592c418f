// Package notify sends desktop toast notifications for terminal task
// outcomes and conflict resolutions, adapted from this codebase's
// Windows notifications package. On non-Windows platforms nothing is
// shown and TaskFailed/ConflictNeedsAttention return an error.
package notify

import (
	"fmt"
	"runtime"

	"github.com/go-toast/toast"
)

// Notifier pushes Windows toast notifications.
type Notifier struct {
	appID        string
	dashboardURL string
}

// New creates a Notifier. appID defaults to "orchestrator" when empty.
func New(appID string) *Notifier {
	if appID == "" {
		appID = "orchestrator"
	}
	return &Notifier{appID: appID, dashboardURL: "http://localhost:8099"}
}

// SetDashboardURL overrides the URL opened when a notification is
// clicked.
func (n *Notifier) SetDashboardURL(url string) {
	if url != "" {
		n.dashboardURL = url
	}
}

// IsSupported reports whether toast notifications can be shown on this
// platform.
func (n *Notifier) IsSupported() bool {
	return runtime.GOOS == "windows"
}

func (n *Notifier) push(title, message string, audio toast.Audio) error {
	if runtime.GOOS != "windows" {
		return fmt.Errorf("toast notifications only supported on Windows")
	}
	notification := toast.Notification{
		AppID:   n.appID,
		Title:   title,
		Message: message,
		Audio:   audio,
		Actions: []toast.Action{
			{Type: "protocol", Label: "Open Dashboard", Arguments: n.dashboardURL},
		},
	}
	return notification.Push()
}

// TaskFailed notifies that a task ended in ERROR or TIMEOUT.
func (n *Notifier) TaskFailed(agentName, taskDescription, reason string) error {
	title := fmt.Sprintf("Task failed: %s", agentName)
	message := fmt.Sprintf("%s\n%s", taskDescription, reason)
	return n.push(title, message, toast.Default)
}

// ConflictNeedsAttention notifies that a resource conflict was resolved
// as NEITHER or could not be resolved (ERROR).
func (n *Notifier) ConflictNeedsAttention(resourceID, summary string) error {
	title := fmt.Sprintf("Unresolved conflict on %s", resourceID)
	return n.push(title, summary, toast.IM)
}
