// Package scenario loads a test configuration and resolves it, once, into
// everything a virtual user needs to drive exchanges.
package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"streamq/internal/payload"
	"streamq/internal/shape"
)

// ErrInvalidConfig is returned for any configuration fault. Nothing is started
// when it is returned.
var ErrInvalidConfig = errors.New("invalid test configuration")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

var (
	grpcHostPattern = regexp.MustCompile(`^(?:(?:\d{1,3}\.){3}\d{1,3}|[a-zA-Z0-9-]+(?:\.[a-zA-Z0-9-]+)+):\d{1,5}$`)
	httpHostPattern = regexp.MustCompile(`^https?://(?:[a-zA-Z]|[0-9]|[$-_@.&+]|[!*\(\),]|(?:%[0-9a-fA-F][0-9a-fA-F]))+`)
	wsHostPattern   = regexp.MustCompile(`^wss?://(?:[a-zA-Z]|[0-9]|[$-_@.&+]|[!*\(\),]|(?:%[0-9a-fA-F][0-9a-fA-F]))+`)
)

// Config is the test configuration file.
type Config struct {
	Kind     Kind   `mapstructure:"kind" json:"kind"`
	Title    string `mapstructure:"title" json:"title"`
	Parent   string `mapstructure:"parent" json:"parent"`
	Method   string `mapstructure:"method" json:"method"`
	Host     string `mapstructure:"host" json:"host"`
	URL      string `mapstructure:"url" json:"url,omitempty"`
	Insecure bool   `mapstructure:"insecure" json:"insecure"`
	RPC      string `mapstructure:"rpc" json:"rpc"`
	CallType string `mapstructure:"call_type" json:"call_type,omitempty"`

	FirstLine float64 `mapstructure:"first_line" json:"first_line"`
	AllLine   float64 `mapstructure:"all_line" json:"all_line"`
	RecordAll bool    `mapstructure:"record_all" json:"record_all"`

	RequestHeaders     map[string]string               `mapstructure:"-" json:"request_headers"`
	RequestPayload     map[string]any                  `mapstructure:"-" json:"request_payload"`
	JSONPathExpression []string                        `mapstructure:"jsonpath_expression" json:"jsonpath_expression"`
	TestCaseFile       string                          `mapstructure:"test_case_file" json:"test_case_file"`
	SheetName          string                          `mapstructure:"sheet_name" json:"sheet_name"`
	TestCaseList       []map[string]any                `mapstructure:"-" json:"test_case_list,omitempty"`
	VoiceOptions       map[string]payload.VoiceOptions `mapstructure:"-" json:"voice_options,omitempty"`

	SourceExpression           string `mapstructure:"source_expression" json:"source_expression,omitempty"`
	AnswerExpression           string `mapstructure:"answer_expression" json:"answer_expression,omitempty"`
	CountableExpression        string `mapstructure:"countable_expression" json:"countable_expression,omitempty"`
	ServerFirstChunkExpression string `mapstructure:"server_first_chunk_expression" json:"server_first_chunk_expression,omitempty"`
	ModelFirstChunkExpression  string `mapstructure:"model_first_chunk_expression" json:"model_first_chunk_expression,omitempty"`
	FirstSentenceExpression    string `mapstructure:"first_sentence_expression" json:"first_sentence_expression,omitempty"`
	EndExpression              string `mapstructure:"end_expression" json:"end_expression,omitempty"`

	AudioField      string `mapstructure:"audio_field" json:"audio_field,omitempty"`
	FrameSize       int    `mapstructure:"frame_size" json:"frame_size,omitempty"`
	FrameIntervalMs int    `mapstructure:"frame_interval_ms" json:"frame_interval_ms,omitempty"`

	TimeoutSec  int `mapstructure:"timeout_sec" json:"timeout_sec"`
	ThinkTimeMs int `mapstructure:"think_time_ms" json:"think_time_ms"`

	Shape shape.Config `mapstructure:"shape" json:"shape"`

	// dir is the directory of the configuration file; relative case and
	// audio paths are resolved against it.
	dir string
}

// DefaultHeaders are sent when the configuration names none.
var DefaultHeaders = map[string]string{"Content-Type": "application/json; charset=utf-8"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kind", string(GRPCTalk))
	v.SetDefault("title", "grpc_stream")
	v.SetDefault("parent", "GRPCStreamUser")
	v.SetDefault("method", "GRPC")
	v.SetDefault("first_line", 300)
	v.SetDefault("all_line", 1000)
	v.SetDefault("sheet_name", "Sheet1")
	v.SetDefault("timeout_sec", 60)
	v.SetDefault("shape.kind", "step")
	v.SetDefault("shape.step_count", 30)
	v.SetDefault("shape.step_rate", 2)
	v.SetDefault("shape.step_time", 120)
}

// Load reads a JSON or YAML test configuration. Keys under request_payload,
// request_headers, test_case_list and voice_options keep their case, which
// viper alone would fold.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, invalid("read %s: %v", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, invalid("decode %s: %v", path, err)
	}
	if err := cfg.loadCaseSensitive(path); err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		cfg.Host = cfg.URL
	}
	cfg.dir = filepath.Dir(path)
	return &cfg, nil
}

func (c *Config) loadCaseSensitive(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return invalid("read %s: %v", path, err)
	}
	raw := map[string]any{}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(b, &raw)
	} else {
		err = yaml.Unmarshal(b, &raw)
	}
	if err != nil {
		return invalid("decode %s: %v", path, err)
	}

	sections := struct {
		RequestHeaders map[string]string               `json:"request_headers"`
		RequestPayload map[string]any                  `json:"request_payload"`
		TestCaseList   []map[string]any                `json:"test_case_list"`
		VoiceOptions   map[string]payload.VoiceOptions `json:"voice_options"`
	}{}
	picked := map[string]any{}
	for _, k := range []string{"request_headers", "request_payload", "test_case_list", "voice_options"} {
		if val, ok := raw[k]; ok {
			picked[k] = val
		}
	}
	// A JSON round trip normalizes YAML scalars into what the JSON path
	// engine and structpb expect.
	enc, err := json.Marshal(picked)
	if err != nil {
		return invalid("decode %s: %v", path, err)
	}
	if err := json.Unmarshal(enc, &sections); err != nil {
		return invalid("decode %s: %v", path, err)
	}

	c.RequestHeaders = sections.RequestHeaders
	if c.RequestHeaders == nil {
		c.RequestHeaders = DefaultHeaders
	}
	c.RequestPayload = sections.RequestPayload
	if c.RequestPayload == nil {
		c.RequestPayload = map[string]any{}
	}
	c.TestCaseList = sections.TestCaseList
	c.VoiceOptions = sections.VoiceOptions
	return nil
}

// Resolve turns a relative path from the configuration into one relative to
// the configuration file.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// Validate reports the first configuration fault.
func (c *Config) Validate() error {
	if _, ok := variants[c.Kind]; !ok {
		return invalid("unknown kind %q", c.Kind)
	}
	if c.Title == "" || c.Parent == "" {
		return invalid("title and parent are required")
	}
	if err := CheckHost(c.Kind, c.Host); err != nil {
		return err
	}
	if c.Kind.IsGRPC() && c.RPC == "" {
		return invalid("rpc is required for %s", c.Kind)
	}
	if c.FirstLine <= 0 || c.AllLine <= 0 {
		return invalid("first_line and all_line must be positive")
	}
	if len(c.TestCaseList) == 0 && c.TestCaseFile == "" {
		return invalid("test_case_file or test_case_list is required")
	}
	return nil
}

// CheckHost validates the target address for the given kind.
func CheckHost(k Kind, host string) error {
	var ok bool
	var example string
	switch {
	case k.IsGRPC():
		ok, example = grpcHostPattern.MatchString(host), "127.0.0.1:50051"
	case k == WSStream:
		ok, example = wsHostPattern.MatchString(host), "ws://127.0.0.1:8080/ws"
	default:
		ok, example = httpHostPattern.MatchString(host), "http://127.0.0.1:50051/api/v1/chat"
	}
	if !ok {
		return invalid("host %q is not a valid %s address, e.g. %s", host, k, example)
	}
	return nil
}
