package internal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Fabric 跨節點廣播織網
//
// 同一房間的玩家可能連在不同節點上：本地廣播之外，訊框還要
// 經由織網送達其他節點的訂閱者。單節點部署用 NoopFabric。
//
// 用 NATS core 而非 JetStream：即時遊戲訊框過期即廢，
// 持久化與重播只會放大延遲。
type Fabric interface {
	// Publish 發布房間訊框
	Publish(roomCode, exceptUser string, data []byte) error

	// Subscribe 訂閱所有房間訊框；handler 在織網的遞送
	// goroutine 上執行，必須快速返回
	Subscribe(handler FrameHandler) error

	// Close 關閉織網
	Close()
}

// FrameHandler 遠端訊框處理函式
type FrameHandler func(roomCode, exceptUser string, data []byte)

// fabricEnvelope 織網上的訊框信封
//
// Origin 是發布節點的識別碼：訂閱者會收到自己發布的訊框，
// 以此跳過重複遞送。
type fabricEnvelope struct {
	Origin string `json:"origin"`
	Room   string `json:"room"`
	Except string `json:"except,omitempty"`
	Data   []byte `json:"data"`
}

// NoopFabric 單節點空織網
type NoopFabric struct{}

// Publish 不做事
func (NoopFabric) Publish(string, string, []byte) error { return nil }

// Subscribe 不做事
func (NoopFabric) Subscribe(FrameHandler) error { return nil }

// Close 不做事
func (NoopFabric) Close() {}

// NATSFabric 基於 NATS core pub/sub 的廣播織網
type NATSFabric struct {
	conn    *nats.Conn
	nodeID  string
	subject string
	sub     *nats.Subscription
	logger  *slog.Logger
}

// NewNATSFabric 連上 NATS 並創建織網
func NewNATSFabric(url, nodeID string, logger *slog.Logger) (*NATSFabric, error) {
	conn, err := nats.Connect(url,
		nats.Name("duel-engine-"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &NATSFabric{
		conn:    conn,
		nodeID:  nodeID,
		subject: "duel.rooms.frames",
		logger:  logger,
	}, nil
}

// Publish 發布房間訊框
func (f *NATSFabric) Publish(roomCode, exceptUser string, data []byte) error {
	env := fabricEnvelope{
		Origin: f.nodeID,
		Room:   roomCode,
		Except: exceptUser,
		Data:   data,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := f.conn.Publish(f.subject, payload); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	return nil
}

// Subscribe 訂閱所有房間訊框
//
// 自己發布的信封（Origin 等於本節點）直接丟棄，本地遞送
// 已經在發布前完成。
func (f *NATSFabric) Subscribe(handler FrameHandler) error {
	sub, err := f.conn.Subscribe(f.subject, func(msg *nats.Msg) {
		var env fabricEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			f.logger.Warn("drop malformed fabric envelope", "error", err)
			return
		}
		if env.Origin == f.nodeID {
			return
		}
		handler(env.Room, env.Except, env.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe frames: %w", err)
	}
	f.sub = sub
	return nil
}

// Close 關閉織網
func (f *NATSFabric) Close() {
	if f.sub != nil {
		_ = f.sub.Unsubscribe()
	}
	_ = f.conn.Drain()
	f.conn.Close()
}
