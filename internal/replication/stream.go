package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sirupsen/logrus"

	"github.com/fangqiank/pgdrift/internal/cdc"
	"github.com/fangqiank/pgdrift/internal/postgres"
)

// Stream consumes the pgoutput logical replication stream for one slot
// and publication, decoding WAL messages into change events. It is the
// WAL-based event source the coordinator supervises; the poller is the
// fallback when this stream cannot run.
type Stream struct {
	dsn            string
	statusInterval time.Duration
	startLSN       pglogrepl.LSN
	createSlot     bool
	typeMap        *pgtype.Map
	logger         *logrus.Logger

	mu         sync.Mutex
	conn       *pgconn.PgConn
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	events     chan cdc.ChangeEvent
	lastErr    error
	ackLSN     pglogrepl.LSN
	recvLSN    pglogrepl.LSN
	relations  map[uint32]*pglogrepl.RelationMessage
	currentXID uint32
}

// StreamOption configures the stream.
type StreamOption func(*Stream)

func WithStreamStatusInterval(interval time.Duration) StreamOption {
	return func(s *Stream) {
		if interval > 0 {
			s.statusInterval = interval
		}
	}
}

func WithStreamStartLSN(lsn pglogrepl.LSN) StreamOption {
	return func(s *Stream) {
		s.startLSN = lsn
	}
}

func WithStreamCreateSlot(enabled bool) StreamOption {
	return func(s *Stream) {
		s.createSlot = enabled
	}
}

// NewStream returns a logical replication stream over the given DSN.
func NewStream(dsn string, logger *logrus.Logger, opts ...StreamOption) *Stream {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	typeMap := pgtype.NewMap()
	postgres.RegisterRawJSONCodecs(typeMap)
	stream := &Stream{
		dsn:            dsn,
		statusInterval: 10 * time.Second,
		typeMap:        typeMap,
		logger:         logger,
		relations:      make(map[uint32]*pglogrepl.RelationMessage),
	}
	for _, opt := range opts {
		opt(stream)
	}
	return stream
}

// Start opens a replication connection and begins decoding changes for
// the slot and publication. The returned channel closes when the stream
// stops; check Err afterwards.
func (s *Stream) Start(ctx context.Context, slot, publication string) (<-chan cdc.ChangeEvent, error) {
	if s.dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if slot == "" {
		return nil, errors.New("replication slot is required")
	}
	if publication == "" {
		return nil, errors.New("publication is required")
	}

	cfg, err := pgconn.ParseConfig(s.dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect replication: %w", err)
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("identify system: %w", err)
	}

	startLSN := s.startLSN
	if startLSN == 0 {
		startLSN = sysident.XLogPos
	}

	if s.createSlot {
		_, err = pglogrepl.CreateReplicationSlot(ctx, conn, slot, outputPlugin, pglogrepl.CreateReplicationSlotOptions{})
		if err != nil && !isDuplicateObjectErr(err) {
			conn.Close(ctx)
			return nil, fmt.Errorf("create replication slot: %w", err)
		}
	}

	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", publication),
	}
	if err := pglogrepl.StartReplication(ctx, conn, slot, startLSN, pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("start replication: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	events := make(chan cdc.ChangeEvent, 256)

	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.events = events
	s.mu.Unlock()

	s.wg.Add(1)
	go s.consume(streamCtx, startLSN)

	s.logger.WithFields(logrus.Fields{
		"slot":        slot,
		"publication": publication,
		"start_lsn":   startLSN.String(),
	}).Info("logical replication stream started")
	return events, nil
}

// Stop terminates streaming and closes the replication connection.
func (s *Stream) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if conn != nil {
		return conn.Close(ctx)
	}
	return nil
}

// Err returns the last error observed by the stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Ack advances the position reported in standby status updates. Consumers
// call this after durably handling an event.
func (s *Stream) Ack(lsn pglogrepl.LSN) {
	s.mu.Lock()
	if lsn > s.ackLSN {
		s.ackLSN = lsn
	}
	s.mu.Unlock()
}

// LastReceivedLSN returns the most recent position observed from WAL data.
func (s *Stream) LastReceivedLSN() pglogrepl.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvLSN
}

func (s *Stream) consume(ctx context.Context, startLSN pglogrepl.LSN) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.events != nil {
			close(s.events)
		}
		s.mu.Unlock()
	}()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.setErr(errors.New("replication connection not initialized"))
		return
	}

	clientXLogPos := startLSN
	nextStandbyMessageDeadline := time.Now().Add(s.statusInterval)

	for {
		if ctx.Err() != nil {
			return
		}

		if time.Now().After(nextStandbyMessageDeadline) {
			clientXLogPos = s.ackPosition()
			err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
				WALWritePosition: clientXLogPos,
				WALFlushPosition: clientXLogPos,
				WALApplyPosition: clientXLogPos,
			})
			if err != nil {
				s.setErr(fmt.Errorf("send standby status: %w", err))
				return
			}
			nextStandbyMessageDeadline = time.Now().Add(s.statusInterval)
		}

		deadlineCtx, cancel := context.WithDeadline(ctx, nextStandbyMessageDeadline)
		rawMsg, err := conn.ReceiveMessage(deadlineCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			s.setErr(fmt.Errorf("receive message: %w", err))
			return
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			s.setErr(fmt.Errorf("postgres error: %s", errMsg.Message))
			return
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				s.setErr(fmt.Errorf("parse keepalive: %w", err))
				return
			}
			if pkm.ServerWALEnd > clientXLogPos {
				clientXLogPos = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				nextStandbyMessageDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				s.setErr(fmt.Errorf("parse xlogdata: %w", err))
				return
			}
			if err := s.handleWal(ctx, xld); err != nil {
				s.setErr(err)
				return
			}
			s.setReceivedLSN(xld.WALStart + pglogrepl.LSN(len(xld.WALData)))
		}
	}
}

func (s *Stream) handleWal(ctx context.Context, xld pglogrepl.XLogData) error {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return fmt.Errorf("parse logical message: %w", err)
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.BeginMessage:
		s.currentXID = msg.Xid
		return nil
	case *pglogrepl.CommitMessage:
		s.currentXID = 0
		return nil
	case *pglogrepl.RelationMessage:
		s.relations[msg.RelationID] = msg
		return nil
	case *pglogrepl.InsertMessage:
		rel, ok := s.relations[msg.RelationID]
		if !ok {
			return fmt.Errorf("unknown relation id %d", msg.RelationID)
		}
		after, err := s.decodeTuple(rel, msg.Tuple)
		if err != nil {
			return err
		}
		return s.emit(ctx, xld, rel, cdc.ChangeEvent{
			Operation: cdc.OpInsert,
			After:     cdc.FormatRow(after),
		})
	case *pglogrepl.UpdateMessage:
		rel, ok := s.relations[msg.RelationID]
		if !ok {
			return fmt.Errorf("unknown relation id %d", msg.RelationID)
		}
		var before map[string]any
		if msg.OldTuple != nil {
			decoded, err := s.decodeTuple(rel, msg.OldTuple)
			if err != nil {
				return err
			}
			before = cdc.FormatRow(decoded)
		}
		after, err := s.decodeTuple(rel, msg.NewTuple)
		if err != nil {
			return err
		}
		formatted := cdc.FormatRow(after)
		return s.emit(ctx, xld, rel, cdc.ChangeEvent{
			Operation:      cdc.OpUpdate,
			Before:         before,
			After:          formatted,
			ChangedColumns: cdc.DiffColumns(before, formatted),
		})
	case *pglogrepl.DeleteMessage:
		rel, ok := s.relations[msg.RelationID]
		if !ok {
			return fmt.Errorf("unknown relation id %d", msg.RelationID)
		}
		before, err := s.decodeTuple(rel, msg.OldTuple)
		if err != nil {
			return err
		}
		return s.emit(ctx, xld, rel, cdc.ChangeEvent{
			Operation: cdc.OpDelete,
			Before:    cdc.FormatRow(before),
		})
	default:
		return nil
	}
}

func (s *Stream) emit(ctx context.Context, xld pglogrepl.XLogData, rel *pglogrepl.RelationMessage, event cdc.ChangeEvent) error {
	event.SchemaName = rel.Namespace
	event.TableName = rel.RelationName
	event.EventTime = xld.ServerTime
	event.TransactionID = s.currentXID
	event.Position = xld.WALStart

	s.mu.Lock()
	ch := s.events
	s.mu.Unlock()
	if ch == nil {
		return errors.New("event channel not initialized")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ch <- event:
		return nil
	}
}

func (s *Stream) decodeTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) (map[string]any, error) {
	if tuple == nil {
		return nil, nil
	}

	values := make(map[string]any, len(tuple.Columns))
	for idx, col := range tuple.Columns {
		if idx >= len(rel.Columns) {
			return nil, fmt.Errorf("tuple column index %d out of range", idx)
		}
		colMeta := rel.Columns[idx]
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			values[colMeta.Name] = nil
		case pglogrepl.TupleDataTypeToast:
			// Unchanged TOAST value, not shipped by pgoutput.
		case pglogrepl.TupleDataTypeText, pglogrepl.TupleDataTypeBinary:
			format := int16(pgtype.TextFormatCode)
			if col.DataType == pglogrepl.TupleDataTypeBinary {
				format = pgtype.BinaryFormatCode
			}
			if typ, ok := s.typeMap.TypeForOID(colMeta.DataType); ok {
				decoded, err := typ.Codec.DecodeValue(s.typeMap, colMeta.DataType, format, col.Data)
				if err != nil {
					return nil, fmt.Errorf("decode column %s: %w", colMeta.Name, err)
				}
				values[colMeta.Name] = decoded
			} else {
				values[colMeta.Name] = string(col.Data)
			}
		default:
			return nil, fmt.Errorf("unknown column data type %c", col.DataType)
		}
	}
	return values, nil
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

func (s *Stream) setReceivedLSN(lsn pglogrepl.LSN) {
	s.mu.Lock()
	if lsn > s.recvLSN {
		s.recvLSN = lsn
	}
	s.mu.Unlock()
}

func (s *Stream) ackPosition() pglogrepl.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackLSN > 0 {
		return s.ackLSN
	}
	return s.recvLSN
}
