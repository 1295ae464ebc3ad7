package commands

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/polar/am"
	"github.com/teranos/polar/gateway"
	"github.com/teranos/polar/pulse/dispatch"
	"github.com/teranos/polar/pulse/events"
	"github.com/teranos/polar/pulse/ledger"
	"github.com/teranos/polar/pulse/queue"
	"github.com/teranos/polar/pulse/schedule"
	"github.com/teranos/polar/taskboard"
)

// stack is the scheduler assembled from one config and database.
type stack struct {
	cfg     *am.Config
	jobs    *schedule.Store
	service *dispatch.Service
	board   taskboard.Gateway
}

// buildStack wires executors, queues, ledger and task board from cfg.
// Executors with no URL are left out; their events are rejected with
// GATEWAY_NOT_CONFIGURED.
func buildStack(cfg *am.Config, conn *sql.DB, log *zap.SugaredLogger, notifier dispatch.Notifier) (*stack, error) {
	procOpts := []events.Option{events.WithLogger(log)}
	if url := cfg.Gateway.AutomationURL; url != "" {
		g, err := gateway.NewHTTPAutomationGateway(gateway.HTTPConfig{
			URL:               url,
			Timeout:           cfg.Gateway.Timeout(),
			RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
			BlockPrivateIP:    cfg.Gateway.BlockPrivateIP,
		})
		if err != nil {
			return nil, err
		}
		procOpts = append(procOpts, events.WithAutomationGateway(g))
	}
	if url := cfg.Gateway.HeartbeatURL; url != "" {
		g, err := gateway.NewHTTPHeartbeatGateway(gateway.HTTPConfig{
			URL:               url,
			Timeout:           cfg.Gateway.Timeout(),
			RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
			BlockPrivateIP:    cfg.Gateway.BlockPrivateIP,
		})
		if err != nil {
			return nil, err
		}
		procOpts = append(procOpts, events.WithHeartbeatGateway(g))
	}
	procOpts = append(procOpts, events.WithHandlerTimeout(cfg.Gateway.Timeout()))

	board, err := newTaskBoard(cfg.TaskBoard)
	if err != nil {
		return nil, err
	}

	records := events.NewStore(conn)
	processor := events.NewProcessor(records, procOpts...)
	q := queue.New(queue.NewSQLStore(conn), queue.WithLogger(log))
	ledgerOpts := []ledger.Option{ledger.WithLogger(log)}
	if board != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithTaskBoard(board))
	}
	l := ledger.New(conn, ledgerOpts...)

	svcOpts := []dispatch.Option{
		dispatch.WithDefaults(dispatchDefaults(cfg.Scheduler)),
		dispatch.WithLogger(log),
	}
	if notifier != nil {
		svcOpts = append(svcOpts, dispatch.WithNotifier(notifier))
	}

	return &stack{
		cfg:     cfg,
		jobs:    schedule.NewStore(conn, schedule.WithLogger(log)),
		service: dispatch.New(processor, records, q, l, svcOpts...),
		board:   board,
	}, nil
}

// newTaskBoard returns the remote board when a URL is set, the in-process
// board when opted in, and nil otherwise.
func newTaskBoard(cfg am.TaskBoardConfig) (taskboard.Gateway, error) {
	switch {
	case cfg.URL != "":
		board, err := taskboard.NewHTTPGateway(taskboard.HTTPConfig{
			URL:               cfg.URL,
			Timeout:           cfg.Timeout(),
			RequestsPerSecond: cfg.RequestsPerSecond,
			BlockPrivateIP:    cfg.BlockPrivateIP,
		})
		if err != nil {
			return nil, err
		}
		return board, nil
	case cfg.InMemory:
		return taskboard.NewMemoryBoard(), nil
	default:
		return nil, nil
	}
}

func dispatchDefaults(s am.SchedulerConfig) dispatch.Defaults {
	return dispatch.Defaults{
		MaxAttempts:             s.DefaultMaxAttempts,
		RetryBackoffMs:          s.DefaultRetryBackoffMs,
		DeadLetterOnMaxAttempts: s.DeadLetterOnMaxAttempts,
		ProfileID:               s.DefaultProfileID,
	}
}

func tickerConfig(s am.SchedulerConfig) schedule.TickerConfig {
	return schedule.TickerConfig{
		Interval:        s.TickerInterval(),
		DueBatchLimit:   s.DueBatchLimit,
		RetryBatchLimit: s.RetryBatchLimit,
	}
}
