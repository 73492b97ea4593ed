package notifications

type Notifier interface {
	NotifyDownloadComplete(torrentName string)
	NotifyDownloadError(torrentName string, reason error)
	Test() error
}
