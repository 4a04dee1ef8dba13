// Package config loads the agent's on-disk YAML configuration (spec.md
// §6's option table) the way the teacher's own pkg/config does: built-in
// defaults merged with a user-supplied YAML file via dario.cat/mergo, so
// an absent or partial config file is never an error.
package config

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/vxg-embedded/cloud-agent/internal/agent"
	"github.com/vxg-embedded/cloud-agent/internal/token"
	"github.com/vxg-embedded/cloud-agent/internal/upload"
)

// YAMLConfig mirrors the on-disk config file. The string fields are plain
// strings, so an empty value is indistinguishable from an unset one; the
// pointer fields let mergo.WithOverride tell "set by the user" from "zero
// value".
type YAMLConfig struct {
	CloudURL string `yaml:"cloud_url"`
	Token    string `yaml:"token"`

	InsecureCloudChannel *bool `yaml:"insecure_cloud_channel,omitempty"`
	AllowInvalidSSLCerts *bool `yaml:"allow_invalid_ssl_certs,omitempty"`

	RecordByEventUploadStep                *int `yaml:"record_by_event_upload_step,omitempty"`
	DelayBetweenEventAndRecordsUploadStart  *int `yaml:"delay_between_event_and_records_upload_start,omitempty"`
	DefaultPreRecordTime                    *int `yaml:"default_pre_record_time,omitempty"`
	DefaultPostRecordTime                   *int `yaml:"default_post_record_time,omitempty"`
	MaxPreRecordTime                        *int `yaml:"max_pre_record_time,omitempty"`
	MaxPostRecordTime                       *int `yaml:"max_post_record_time,omitempty"`

	MaxConcurrentVideoUploads    *int `yaml:"max_concurrent_video_uploads,omitempty"`
	MaxConcurrentSnapshotUploads *int `yaml:"max_concurrent_snapshot_uploads,omitempty"`
	MaxConcurrentFileMetaUploads *int `yaml:"max_concurrent_file_meta_uploads,omitempty"`

	MaxUploadSpeed               *int64 `yaml:"max_upload_speed,omitempty"`
	MaxVideoUploadsQueueLateness *int   `yaml:"max_video_uploads_queue_lateness,omitempty"`

	StatefulEventContinuationKickSnapshot *bool `yaml:"stateful_event_continuation_kick_snapshot,omitempty"`

	QoSReportPeriodS *int `yaml:"qos_report_period,omitempty"`

	LocalStorageDir string `yaml:"local_storage_dir,omitempty"`
	RemoteBucket    string `yaml:"remote_bucket,omitempty"`
	RemotePrefix    string `yaml:"remote_prefix,omitempty"`
	RemoteRegion    string `yaml:"remote_region,omitempty"`
}

// Defaults returns the built-in option values (spec.md §6's option
// table); Load merges a user file on top of these.
func Defaults() *YAMLConfig {
	return &YAMLConfig{
		InsecureCloudChannel: boolPtr(false),
		AllowInvalidSSLCerts: boolPtr(false),

		RecordByEventUploadStep:               intPtr(15),
		DelayBetweenEventAndRecordsUploadStart: intPtr(5),
		DefaultPreRecordTime:                   intPtr(5),
		DefaultPostRecordTime:                  intPtr(10),
		MaxPreRecordTime:                       intPtr(30),
		MaxPostRecordTime:                      intPtr(60),

		MaxConcurrentVideoUploads:    intPtr(2),
		MaxConcurrentSnapshotUploads: intPtr(4),
		MaxConcurrentFileMetaUploads: intPtr(6),

		MaxUploadSpeed:               int64Ptr(0),
		MaxVideoUploadsQueueLateness: intPtr(3600),

		StatefulEventContinuationKickSnapshot: boolPtr(false),

		QoSReportPeriodS: intPtr(60),

		LocalStorageDir: "/var/lib/cloud-agent/recordings",
		RemotePrefix:    "cam",
	}
}

// Load reads path, merging it over Defaults(). A missing file is not an
// error: the defaults alone are returned.
func Load(path string) (*YAMLConfig, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var user YAMLConfig
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("config: merge %s: %w", path, err)
	}
	return cfg, nil
}

// ToAgentConfig converts the loaded options, plus a resolved URL and
// access token, into an agent.Config ready for agent.New. The caller
// fills in EventProducers and MemorycardNormal, which come from the
// camera's capability probe rather than this file.
func (c *YAMLConfig) ToAgentConfig(url string, tok token.Token) agent.Config {
	return agent.Config{
		URL:   url,
		Token: tok,

		SyncStep:                     time.Duration(intVal(c.RecordByEventUploadStep, 15)) * time.Second,
		MaxVideoUploadsQueueLateness: time.Duration(intVal(c.MaxVideoUploadsQueueLateness, 3600)) * time.Second,
		DelayBetweenEventAndUpload:   time.Duration(intVal(c.DelayBetweenEventAndRecordsUploadStart, 5)) * time.Second,
		DefaultPreRecordTime:         time.Duration(intVal(c.DefaultPreRecordTime, 5)) * time.Second,
		DefaultPostRecordTime:        time.Duration(intVal(c.DefaultPostRecordTime, 10)) * time.Second,
		MaxPreRecordTime:             time.Duration(intVal(c.MaxPreRecordTime, 30)) * time.Second,
		MaxPostRecordTime:            time.Duration(intVal(c.MaxPostRecordTime, 60)) * time.Second,

		UploadCaps: upload.Caps{
			MaxVideo:    intVal(c.MaxConcurrentVideoUploads, 2),
			MaxSnapshot: intVal(c.MaxConcurrentSnapshotUploads, 4),
			MaxFileMeta: intVal(c.MaxConcurrentFileMetaUploads, 6),
		},
		MaxUploadSpeed: int64Val(c.MaxUploadSpeed, 0),
		QoSPeriodS:     intVal(c.QoSReportPeriodS, 60),
	}
}

// IsCloudChannelSecure reports whether the control-plane connection
// should use wss:// rather than ws://.
func (c *YAMLConfig) IsCloudChannelSecure() bool {
	return !boolVal(c.InsecureCloudChannel, false)
}

// AllowInvalidCerts reports whether TLS certificate verification is to be
// skipped. cmd/agentd applies it to the HTTP client only; the control-plane
// WebSocket always verifies certificates.
func (c *YAMLConfig) AllowInvalidCerts() bool {
	return boolVal(c.AllowInvalidSSLCerts, false)
}

func boolPtr(b bool) *bool    { return &b }
func intPtr(i int) *int       { return &i }
func int64Ptr(i int64) *int64 { return &i }

func intVal(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}

func int64Val(p *int64, fallback int64) int64 {
	if p == nil {
		return fallback
	}
	return *p
}

func boolVal(p *bool, fallback bool) bool {
	if p == nil {
		return fallback
	}
	return *p
}
