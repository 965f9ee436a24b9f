package manager_test

import (
	"github.com/danmuck/kernelctl/internal/connection"
	"github.com/danmuck/kernelctl/internal/protocol/session"
)

func newSession(info connection.Info) (*session.Session, error) {
	return session.New(info.SessionConfig())
}
