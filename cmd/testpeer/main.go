// testpeer is a development counterpart for the device stack: it accepts
// websocket sessions, answers the handshake, echoes audio and walks the
// capability layer of every client that offers it. Useful for exercising a
// device build without real backend infrastructure.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxwire/voxwire/internal/auth"
	"github.com/voxwire/voxwire/internal/protocol"
	"github.com/voxwire/voxwire/pkg/Logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type peer struct {
	logger *Logger.Logger
	secret []byte

	mu    sync.Mutex
	rpcID int64
}

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	secret := flag.String("secret", "", "HMAC secret; empty disables token checks")
	debug := flag.Bool("debug", true, "verbose logging")
	flag.Parse()

	logger := Logger.New(*debug)
	p := &peer{logger: logger, secret: []byte(*secret)}

	router := gin.Default()
	router.GET("/ws", p.serveSession)
	router.POST("/token", p.issueToken)

	logger.Infof("test peer listening on %s", *addr)
	if err := router.Run(*addr); err != nil {
		log.Fatalf("server exiting: %v", err)
	}
}

// issueToken mints a device token so a device config can be pointed at this
// peer with auth enabled.
func (p *peer) issueToken(c *gin.Context) {
	if len(p.secret) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "peer started without a secret"})
		return
	}
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := auth.GenerateDeviceToken(req.DeviceID, p.secret, 24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (p *peer) serveSession(c *gin.Context) {
	if len(p.secret) > 0 {
		raw := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		claims, err := auth.ValidateToken(raw, p.secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		p.logger.Infof("device %s authenticated", claims.DeviceID)
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		p.logger.Errorf("upgrade failed: %v", err)
		return
	}
	go p.runSession(conn, c.GetHeader("Device-Id"))
}

func (p *peer) runSession(conn *websocket.Conn, deviceID string) {
	defer conn.Close()
	sessionID := uuid.NewString()
	logger := p.logger.Named("session").With("session_id", sessionID, "device_id", deviceID)

	var writeMu sync.Mutex
	send := func(v any) {
		raw, err := json.Marshal(v)
		if err != nil {
			logger.Errorf("marshal: %v", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			logger.Warnf("write: %v", err)
		}
	}

	mcpReady := false
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			logger.Infof("session ended: %v", err)
			return
		}

		if mt == websocket.BinaryMessage {
			// echo audio so the device hears itself
			writeMu.Lock()
			err := conn.WriteMessage(websocket.BinaryMessage, data)
			writeMu.Unlock()
			if err != nil {
				logger.Warnf("audio echo: %v", err)
				return
			}
			continue
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			logger.Warnf("dropping message: %v", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeHello:
			reply := protocol.NewHello(protocol.TransportWebsocket, protocol.AudioParams{
				Format: "opus", SampleRate: 24000, Channels: 1, FrameDuration: 60,
			}, false)
			reply.SessionID = sessionID
			send(reply)
			if msg.Features["mcp"] {
				mcpReady = true
				p.sendInitialize(send, sessionID)
			}

		case protocol.TypeListen:
			logger.Infof("listen %s mode=%s text=%q", msg.State, msg.Mode, msg.Text)
			if msg.State == protocol.ListenStateDetect {
				// wake word: pretend to answer with a short speak turn
				send(protocol.Message{Type: protocol.TypeTTS, SessionID: sessionID, State: protocol.TTSStateStart})
				send(protocol.Message{Type: protocol.TypeTTS, SessionID: sessionID, State: protocol.TTSStateSentenceStart, Text: "Heard you."})
				send(protocol.Message{Type: protocol.TypeTTS, SessionID: sessionID, State: protocol.TTSStateStop})
			}
			if mcpReady && msg.State == protocol.ListenStateStart {
				p.sendListTools(send, sessionID)
			}

		case protocol.TypeAbort:
			logger.Infof("abort: %s", msg.Reason)
			send(protocol.Message{Type: protocol.TypeTTS, SessionID: sessionID, State: protocol.TTSStateStop})

		case protocol.TypeMCP:
			var rpc struct {
				ID     json.RawMessage `json:"id"`
				Result json.RawMessage `json:"result"`
				Error  json.RawMessage `json:"error"`
			}
			if err := json.Unmarshal(msg.Payload, &rpc); err == nil && rpc.Error != nil {
				logger.Warnf("rpc error from device: %s", rpc.Error)
			} else {
				logger.Infof("rpc reply id=%s result=%s", rpc.ID, rpc.Result)
			}

		case protocol.TypeGoodbye:
			logger.Infof("goodbye received")
			return

		default:
			logger.Debugf("ignoring %s", msg.Type)
		}
	}
}

func (p *peer) nextID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rpcID++
	return p.rpcID
}

func (p *peer) sendInitialize(send func(any), sessionID string) {
	p.sendRPC(send, sessionID, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "voxwire-testpeer", "version": "1.0.0"},
	})
	p.sendNotification(send, sessionID, "notifications/initialized")
}

func (p *peer) sendListTools(send func(any), sessionID string) {
	p.sendRPC(send, sessionID, "tools/list", map[string]any{})
}

func (p *peer) sendRPC(send func(any), sessionID, method string, params any) {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      p.nextID(),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		p.logger.Errorf("rpc marshal: %v", err)
		return
	}
	send(protocol.NewMCPEnvelope(sessionID, payload))
}

func (p *peer) sendNotification(send func(any), sessionID, method string) {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
	})
	if err != nil {
		p.logger.Errorf("rpc marshal: %v", err)
		return
	}
	send(protocol.NewMCPEnvelope(sessionID, payload))
}
