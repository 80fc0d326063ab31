package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pion/webrtc/v4"

	pkgconfig "github.com/weiawesome/wes-io-live-session/pkg/config"
	"github.com/weiawesome/wes-io-live-session/pkg/pubsub"
	"github.com/weiawesome/wes-io-live-session/pkg/wshub"
)

type Config struct {
	Server    ServerConfig
	WebRTC    WebRTCConfig
	WebSocket wshub.Config
	PubSub    pubsub.Config
	Events    EventsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type WebRTCConfig struct {
	ICEServers     []ICEServerConfig `mapstructure:"ice_servers"`
	TurnKeyID      string            `mapstructure:"turn_key_id"`
	TurnKey        string            `mapstructure:"turn_key"`
	PortMin        uint16            `mapstructure:"port_min"`
	PortMax        uint16            `mapstructure:"port_max"`
	ConnectTimeout time.Duration     `mapstructure:"connect_timeout"`
}

type ICEServerConfig struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type EventsConfig struct {
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8091)
	v.SetDefault("webrtc.port_min", 0) // 0 = any ephemeral port
	v.SetDefault("webrtc.port_max", 0)
	v.SetDefault("webrtc.connect_timeout", "10s")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536) // SDP offers are large
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("pubsub.driver", "redis")
	v.SetDefault("pubsub.redis.address", "localhost:6379")
	v.SetDefault("pubsub.redis.db", 0)
	v.SetDefault("pubsub.redis.pool_size", 10)
	v.SetDefault("pubsub.redis.buffer_size", 100)
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.group_id", "media-service")
	v.SetDefault("pubsub.kafka.partitions", 4)
	v.SetDefault("events.publish_timeout", "3s")
	v.SetDefault("log.level", "info")

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("webrtc.turn_key_id", "CF_TURN_ID")
	v.BindEnv("webrtc.turn_key", "CF_TURN_KEY")
	v.BindEnv("webrtc.port_min", "WEBRTC_PORT_MIN")
	v.BindEnv("webrtc.port_max", "WEBRTC_PORT_MAX")
	v.BindEnv("pubsub.driver", "PUBSUB_DRIVER")
	v.BindEnv("pubsub.redis.address", "REDIS_ADDRESS")
	v.BindEnv("pubsub.redis.password", "REDIS_PASSWORD")
	v.BindEnv("pubsub.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("pubsub.kafka.group_id", "KAFKA_PUBSUB_GROUP_ID")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.WebRTC.ConnectTimeout = pkgconfig.Duration(v, "webrtc.connect_timeout", 10*time.Second)
	cfg.Events.PublishTimeout = pkgconfig.Duration(v, "events.publish_timeout", 3*time.Second)
	cfg.WebSocket.PingInterval = pkgconfig.Duration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = pkgconfig.Duration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = pkgconfig.Duration(v, "websocket.write_wait", 10*time.Second)
	cfg.PubSub.Redis.ReadTimeout = pkgconfig.Duration(v, "pubsub.redis.read_timeout", 3*time.Second)
	cfg.PubSub.Redis.WriteTimeout = pkgconfig.Duration(v, "pubsub.redis.write_timeout", 3*time.Second)

	// Load TURN credentials from environment if available
	if cfg.WebRTC.TurnKeyID == "" {
		cfg.WebRTC.TurnKeyID = os.Getenv("CF_TURN_ID")
	}
	if cfg.WebRTC.TurnKey == "" {
		cfg.WebRTC.TurnKey = os.Getenv("CF_TURN_KEY")
	}

	return &cfg, nil
}

// GetICEServers returns the ICE servers handed to every peer connection.
func (c *WebRTCConfig) GetICEServers() ([]webrtc.ICEServer, error) {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers)+1)

	for _, s := range c.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	// Add Cloudflare TURN if configured
	if c.TurnKeyID != "" && c.TurnKey != "" {
		turnServer, err := getCloudflareTURN(c.TurnKeyID, c.TurnKey)
		if err != nil {
			return servers, fmt.Errorf("failed to fetch TURN credentials: %w", err)
		}
		servers = append(servers, *turnServer)
	}

	return servers, nil
}

type cloudflareTURNResponse struct {
	ICEServers struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username"`
		Credential string   `json:"credential"`
	} `json:"iceServers"`
}

func getCloudflareTURN(keyID, key string) (*webrtc.ICEServer, error) {
	url := fmt.Sprintf("https://rtc.live.cloudflare.com/v1/turn/keys/%s/credentials/generate", keyID)
	reqBody := []byte(`{"ttl": 86400}`)

	req, err := http.NewRequest("POST", url, io.NopCloser(bytes.NewReader(reqBody)))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len(reqBody))

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("TURN API returned status: %d", resp.StatusCode)
	}

	var turnResp cloudflareTURNResponse
	if err := json.NewDecoder(resp.Body).Decode(&turnResp); err != nil {
		return nil, err
	}

	return &webrtc.ICEServer{
		URLs:       turnResp.ICEServers.URLs,
		Username:   turnResp.ICEServers.Username,
		Credential: turnResp.ICEServers.Credential,
	}, nil
}
