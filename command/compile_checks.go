package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[RunSyncMessage]        = (*RunSyncCommand)(nil)
	_ gocmd.Commander[RetryFailedMessage]    = (*RetryFailedCommand)(nil)
	_ gocmd.Commander[TestConnectionMessage] = (*TestConnectionCommand)(nil)
)
