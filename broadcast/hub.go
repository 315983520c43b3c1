// Package broadcast 通过 websocket 将标签与结果画面推送给头显端或浏览器.
package broadcast

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/getcharzp/go-vision-xr/anchor"
	"github.com/getcharzp/go-vision-xr/pipeline"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	sendBuffer     = 64
	maxCommandSize = 512
)

// 事件类型
const (
	EventLabelSpawn   = "label_spawn"
	EventLabelDestroy = "label_destroy"
	EventPanelShow    = "panel"
	EventPanelMove    = "panel_move"
	EventPanelDestroy = "panel_destroy"
)

// ErrUnknownHandle 句柄不存在或已销毁
var ErrUnknownHandle = errors.New("未知的标签句柄")

// PanelEvent 结果画面, Image 为 base64 编码的 PNG
type PanelEvent struct {
	Seq       uint64                `json:"seq"`
	FrameSeq  uint64                `json:"frame,omitempty"`
	Image     string                `json:"image,omitempty"`
	Placement anchor.PanelPlacement `json:"placement"`
}

// Event 推送给客户端的消息
type Event struct {
	Type   string               `json:"type"`
	Handle string               `json:"handle,omitempty"`
	Label  *pipeline.LabelEvent `json:"label,omitempty"`
	Panel  *PanelEvent          `json:"panel,omitempty"`
}

// Command 客户端发来的指令, 如 toggle / snapshot / pin / drop
type Command struct {
	Type string `json:"type"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

type liveLabel struct {
	handle string
	event  pipeline.LabelEvent
}

// Hub 实现 pipeline.LabelSink 与 pipeline.FrameSink
type Hub struct {
	log       *logrus.Logger
	upgrader  websocket.Upgrader
	onCommand func(Command)

	mu      sync.RWMutex
	clients map[*client]struct{}
	labels  []liveLabel // 按生成顺序, 新客户端连接时重放
	panels  map[uint64]struct{}
}

var (
	_ pipeline.LabelSink = (*Hub)(nil)
	_ pipeline.FrameSink = (*Hub)(nil)
)

// NewHub 创建 Hub
//
// # Params:
//
//	log: 日志, 为 nil 时使用 logrus 标准 logger
//	onCommand: (可选) 客户端指令回调, 在连接的读 goroutine 中调用
func NewHub(log *logrus.Logger, onCommand func(Command)) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		log:       log,
		onCommand: onCommand,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		panels:  make(map[uint64]struct{}),
	}
}

// ServeHTTP 升级为 websocket 连接并保持到客户端断开
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket 升级失败")
		return
	}
	c := h.register(conn)
	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) register(conn *websocket.Conn) *client {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := &client{conn: conn, send: make(chan []byte, sendBuffer+len(h.labels))}
	for _, l := range h.labels {
		ev := l.event
		if msg, err := json.Marshal(Event{Type: EventLabelSpawn, Handle: l.handle, Label: &ev}); err == nil {
			c.send <- msg
		}
	}
	h.clients[c] = struct{}{}
	h.log.WithFields(logrus.Fields{
		"remote":  conn.RemoteAddr().String(),
		"clients": len(h.clients),
	}).Info("客户端已连接")
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.log.WithField("clients", len(h.clients)).Info("客户端已断开")
}

func (h *Hub) readLoop(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxCommandSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Debug("读取客户端消息失败")
			}
			return
		}
		var cmd Command
		if err := json.Unmarshal(msg, &cmd); err != nil || cmd.Type == "" {
			h.log.WithField("message", string(msg)).Debug("忽略无法识别的指令")
			continue
		}
		if h.onCommand != nil {
			h.onCommand(cmd)
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.WithError(err).Debug("发送消息失败")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// broadcast 序列化并发送给所有客户端
func (h *Hub) broadcast(ev Event) error {
	msg, err := encode(ev)
	if err != nil {
		return err
	}
	h.send(msg)
	return nil
}

func encode(ev Event) ([]byte, error) {
	msg, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return msg, nil
}

// send 缓冲区已满的客户端会被断开
func (h *Hub) send(msg []byte) {
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("客户端处理过慢, 断开连接")
		h.unregister(c)
	}
}

// SpawnLabel 实现 pipeline.LabelSink, 序列化失败的标签不会被记录
func (h *Hub) SpawnLabel(ev pipeline.LabelEvent) (string, error) {
	handle := uuid.NewString()
	msg, err := encode(Event{Type: EventLabelSpawn, Handle: handle, Label: &ev})
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	h.labels = append(h.labels, liveLabel{handle: handle, event: ev})
	h.mu.Unlock()

	h.send(msg)
	return handle, nil
}

// DestroyLabel 实现 pipeline.LabelSink
func (h *Hub) DestroyLabel(handle string) error {
	h.mu.Lock()
	found := false
	for i, l := range h.labels {
		if l.handle == handle {
			h.labels = append(h.labels[:i], h.labels[i+1:]...)
			found = true
			break
		}
	}
	h.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	return h.broadcast(Event{Type: EventLabelDestroy, Handle: handle})
}

// ShowPanel 实现 pipeline.FrameSink
func (h *Hub) ShowPanel(p pipeline.Panel) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, p.Image); err != nil {
		return fmt.Errorf("编码结果画面失败: %w", err)
	}
	h.mu.Lock()
	h.panels[p.Seq] = struct{}{}
	h.mu.Unlock()

	return h.broadcast(Event{Type: EventPanelShow, Panel: &PanelEvent{
		Seq:       p.Seq,
		FrameSeq:  p.FrameSeq,
		Image:     base64.StdEncoding.EncodeToString(buf.Bytes()),
		Placement: p.Placement,
	}})
}

// MovePanel 实现 pipeline.FrameSink
func (h *Hub) MovePanel(seq uint64, placement anchor.PanelPlacement) error {
	if !h.hasPanel(seq) {
		return fmt.Errorf("结果画面 %d 不存在", seq)
	}
	return h.broadcast(Event{Type: EventPanelMove, Panel: &PanelEvent{Seq: seq, Placement: placement}})
}

// DestroyPanel 实现 pipeline.FrameSink
func (h *Hub) DestroyPanel(seq uint64) error {
	if !h.hasPanel(seq) {
		return fmt.Errorf("结果画面 %d 不存在", seq)
	}
	h.mu.Lock()
	delete(h.panels, seq)
	h.mu.Unlock()
	return h.broadcast(Event{Type: EventPanelDestroy, Panel: &PanelEvent{Seq: seq}})
}

func (h *Hub) hasPanel(seq uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.panels[seq]
	return ok
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// LabelCount 当前显示的标签数
func (h *Hub) LabelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.labels)
}

// Close 断开所有客户端
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.unregister(c)
	}
}
