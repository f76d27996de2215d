package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[HandleCourseCompletedMessage] = (*HandleCourseCompletedCommand)(nil)
	_ gocmd.Commander[RunIssuanceMessage]           = (*RunIssuanceCommand)(nil)
	_ gocmd.Commander[RequeuePendingMessage]        = (*RequeuePendingCommand)(nil)
)
