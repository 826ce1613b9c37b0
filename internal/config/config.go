package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/viper"

	"github.com/agentworkforce/notesync/internal/notify"
	"github.com/agentworkforce/notesync/internal/notion"
)

const (
	EnvPrefix         = "NOTESYNC"
	DefaultConfigFile = "config.toml"
	schemaResource    = "config.schema.json"
)

var ErrInvalidConfig = errors.New("invalid configuration")

//go:embed config.schema.json
var schemaJSON []byte

type Config struct {
	Notion      NotionConfig      `mapstructure:"notion" json:"notion"`
	GoogleDrive GoogleDriveConfig `mapstructure:"google_drive" json:"google_drive"`
	Storage     StorageConfig     `mapstructure:"storage" json:"storage"`
	Sync        SyncConfig        `mapstructure:"sync" json:"sync"`
	PostSync    PostSyncConfig    `mapstructure:"post_sync" json:"post_sync"`
}

type NotionConfig struct {
	AuthToken                string                    `mapstructure:"auth_token" json:"auth_token"`
	UploadDatabaseID         string                    `mapstructure:"upload_database_id" json:"upload_database_id"`
	DocumentNameFieldName    string                    `mapstructure:"document_name_field_name" json:"document_name_field_name"`
	GoogleDriveIDFieldName   string                    `mapstructure:"google_drive_id_field_name" json:"google_drive_id_field_name"`
	NewPageIcon              string                    `mapstructure:"new_page_icon" json:"new_page_icon"`
	IncludeInformationBanner bool                      `mapstructure:"include_information_banner" json:"include_information_banner"`
	EmbedDocumentInline      bool                      `mapstructure:"embed_document_inline" json:"embed_document_inline"`
	TagTypes                 map[string]notion.TagType `mapstructure:"tag_types" json:"tag_types"`
	BaseURL                  string                    `mapstructure:"base_url" json:"base_url"`
	APIVersion               string                    `mapstructure:"api_version" json:"api_version"`
	MaxRateLimitRetries      int                       `mapstructure:"max_rate_limit_retries" json:"max_rate_limit_retries"`
}

type GoogleDriveConfig struct {
	UploadFolderID  string   `mapstructure:"upload_folder_id" json:"upload_folder_id"`
	CredentialsFile string   `mapstructure:"credentials_file" json:"credentials_file"`
	TokenFile       string   `mapstructure:"token_file" json:"token_file"`
	Scopes          []string `mapstructure:"scopes" json:"scopes"`
}

type StorageConfig struct {
	Backend        string   `mapstructure:"backend" json:"backend"`
	IntakeLocation string   `mapstructure:"intake_location" json:"intake_location"`
	LocalRoot      string   `mapstructure:"local_root" json:"local_root"`
	S3             S3Config `mapstructure:"s3" json:"s3"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint" json:"endpoint"`
	Region    string `mapstructure:"region" json:"region"`
	AccessKey string `mapstructure:"access_key" json:"access_key"`
	SecretKey string `mapstructure:"secret_key" json:"secret_key"`
	Bucket    string `mapstructure:"bucket" json:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl" json:"use_ssl"`
}

type SyncConfig struct {
	ExpectedMimeType  string `mapstructure:"expected_mime_type" json:"expected_mime_type"`
	SeenStore         string `mapstructure:"seen_store" json:"seen_store"`
	TemporaryFilesDir string `mapstructure:"temporary_files_dir" json:"temporary_files_dir"`
	TagsFile          string `mapstructure:"tags_file" json:"tags_file"`
	SkipFailedFiles   bool   `mapstructure:"skip_failed_files" json:"skip_failed_files"`
}

type PostSyncConfig struct {
	Enabled        bool     `mapstructure:"enabled" json:"enabled"`
	EnabledModules []string `mapstructure:"enabled_modules" json:"enabled_modules"`
	// Modules holds the `post_sync.<module>` tables of enabled modules.
	Modules map[string]notify.ModuleConfig `mapstructure:"-" json:"-"`
}

// IntakeLocation is where new files are picked up: the Drive upload folder,
// or the configured prefix or directory for the other backends.
func (c *Config) IntakeLocation() string {
	if c.Storage.Backend == "drive" {
		return c.GoogleDrive.UploadFolderID
	}
	return c.Storage.IntakeLocation
}

type LoadOptions struct {
	ConfigFile string
	// EnvFile is loaded before reading the configuration. A missing file is
	// ignored.
	EnvFile string
	// Overrides are applied last, keyed by dotted config key.
	Overrides map[string]any
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("notion.auth_token", "")
	v.SetDefault("notion.upload_database_id", "")
	v.SetDefault("notion.document_name_field_name", "")
	v.SetDefault("notion.google_drive_id_field_name", "")
	v.SetDefault("notion.new_page_icon", "")
	v.SetDefault("notion.include_information_banner", true)
	v.SetDefault("notion.embed_document_inline", true)
	v.SetDefault("notion.base_url", notion.DefaultBaseURL)
	v.SetDefault("notion.api_version", notion.DefaultAPIVersion)
	v.SetDefault("notion.max_rate_limit_retries", 0)

	v.SetDefault("google_drive.upload_folder_id", "")
	v.SetDefault("google_drive.credentials_file", "credentials.json")
	v.SetDefault("google_drive.token_file", "token.json")
	v.SetDefault("google_drive.scopes", []string{"https://www.googleapis.com/auth/drive"})

	v.SetDefault("storage.backend", "drive")
	v.SetDefault("storage.intake_location", "intake")
	v.SetDefault("storage.local_root", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.use_ssl", true)

	v.SetDefault("sync.expected_mime_type", "application/pdf")
	v.SetDefault("sync.seen_store", ".notion_drive_sync_seen")
	v.SetDefault("sync.temporary_files_dir", "temporary_files")
	v.SetDefault("sync.tags_file", "tags.json5")
	v.SetDefault("sync.skip_failed_files", false)

	v.SetDefault("post_sync.enabled", false)
	v.SetDefault("post_sync.enabled_modules", []string{})
}

func Load(opts LoadOptions) (*Config, error) {
	envFile := strings.TrimSpace(opts.EnvFile)
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile := strings.TrimSpace(opts.ConfigFile)
	if configFile == "" {
		configFile = DefaultConfigFile
	}
	v.SetConfigFile(configFile)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configFile, err)
	}
	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	cfg.PostSync.Modules = map[string]notify.ModuleConfig{}
	for _, name := range cfg.PostSync.EnabledModules {
		key := "post_sync." + strings.ToLower(strings.TrimSpace(name))
		if v.IsSet(key) {
			cfg.PostSync.Modules[strings.ToLower(strings.TrimSpace(name))] = notify.ModuleConfig(v.GetStringMap(key))
		}
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against the embedded schema plus the cross-field rules
// the schema cannot express.
func Validate(cfg *Config) error {
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.Storage.Backend == "drive" && strings.TrimSpace(cfg.GoogleDrive.UploadFolderID) == "" {
		return fmt.Errorf("%w: google_drive.upload_folder_id is required for the drive backend", ErrInvalidConfig)
	}
	if cfg.PostSync.Enabled {
		if err := notify.ValidateModules(cfg.PostSync.EnabledModules, cfg.PostSync.Modules); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse config schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, doc); err != nil {
		return nil, fmt.Errorf("add config schema: %w", err)
	}
	return compiler.Compile(schemaResource)
}
