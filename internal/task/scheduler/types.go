package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "eewbot/pkg/logx"
)

type Config struct {
	Timezone string // IANA TZ; empty means Local
}

type scheduleDef struct {
	name    string
	spec    string
	every   time.Duration
	timeout time.Duration
	job     func(ctx context.Context)
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	defs   []scheduleDef
}

type ScheduleInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}
