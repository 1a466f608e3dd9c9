package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"attendance-service/internal/config"
	"attendance-service/internal/util"
)

// ClickHouseClient is the analytics sink: accepted submissions and
// finalizations land here for the teaching dashboard's aggregates
type ClickHouseClient struct {
	conn   driver.Conn
	config *config.ClickHouseConfig
	mu     sync.RWMutex
}

func NewClickHouseClient(cfg *config.Config, logger *zap.Logger) (*ClickHouseClient, error) {
	chConfig := cfg.ClickHouse

	opts := &ch.Options{
		Addr: chConfig.Addr,
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:      30 * time.Second,
		MaxOpenConns:     50,
		MaxIdleConns:     25,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	util.Info("ClickHouse client initialized",
		zap.Strings("addr", chConfig.Addr),
		zap.String("database", chConfig.Database))

	return &ClickHouseClient{
		conn:   conn,
		config: &chConfig,
	}, nil
}

func (c *ClickHouseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("clickhouse ping failed: %w", err)
	}
	return nil
}

// InsertAttendanceEvent records one protocol event row
func (c *ClickHouseClient) InsertAttendanceEvent(ctx context.Context, event AttendanceEvent) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	query := `INSERT INTO attendance_events
		(event_type, session_id, student_id, token_value, final_status, token_count, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	err := c.conn.Exec(ctx, query,
		event.EventType,
		event.SessionID,
		event.StudentID,
		event.TokenValue,
		event.FinalStatus,
		event.TokenCount,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert attendance event: %w", err)
	}
	return nil
}

// SessionAttendanceCounts returns final-status counts for one session
func (c *ClickHouseClient) SessionAttendanceCounts(ctx context.Context, sessionID string) (map[string]uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	query := `SELECT final_status, count() FROM attendance_events
		WHERE session_id = ? AND event_type = ?
		GROUP BY final_status`

	rows, err := c.conn.Query(ctx, query, sessionID, EventFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to query attendance counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]uint64)
	for rows.Next() {
		var status string
		var count uint64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan attendance count: %w", err)
		}
		counts[status] = count
	}

	return counts, rows.Err()
}
