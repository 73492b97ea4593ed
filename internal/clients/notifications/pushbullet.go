package notifications

import (
	"fmt"

	"github.com/xconstruct/go-pushbullet"

	"riptide/internal/utils"
)

// PushbulletClient implements the Notifier interface for Pushbullet.
type PushbulletClient struct {
	apiKey string
	pb     *pushbullet.Client
	logger *utils.Logger
}

// NewPushbulletClient creates a new client for sending Pushbullet notifications.
func NewPushbulletClient(apiKey string, logger *utils.Logger) *PushbulletClient {
	pb := pushbullet.New(apiKey)
	return &PushbulletClient{
		apiKey: apiKey,
		pb:     pb,
		logger: logger,
	}
}

// sendPush sends a note to all of the user's devices.
func (c *PushbulletClient) sendPush(title, body string) error {
	// The first argument to PushNote is the device iden. Empty means all devices.
	err := c.pb.PushNote("", title, body)
	return err
}

// NotifyDownloadComplete sends a notification when a download finishes.
func (c *PushbulletClient) NotifyDownloadComplete(torrentName string) {
	title := fmt.Sprintf("Download Complete: %s", torrentName)
	body := fmt.Sprintf("Finished downloading: %s", torrentName)
	if err := c.sendPush(title, body); err != nil {
		c.logger.Error("Error sending Pushbullet notification:", err)
	}
}

// NotifyDownloadError sends a notification when a download fails.
func (c *PushbulletClient) NotifyDownloadError(torrentName string, reason error) {
	title := fmt.Sprintf("Error downloading %s", torrentName)
	body := fmt.Sprintf("Download process failed: %v", reason)
	if err := c.sendPush(title, body); err != nil {
		c.logger.Error("Error sending Pushbullet notification:", err)
	}
}

// Test verifies the API key is valid by fetching user info.
func (c *PushbulletClient) Test() error {
	_, err := c.pb.Me()
	if err != nil {
		return fmt.Errorf("pushbullet authentication failed: %w", err)
	}
	return nil
}
