package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		Port        int    `yaml:"port"`
		DataPath    string `yaml:"data_path"`
		APIPassword string `yaml:"api_password"`
		Debug       bool   `yaml:"debug"`
	} `yaml:"app"`

	Engine struct {
		PeerPort         int    `yaml:"peer_port"`
		MaxPeers         int    `yaml:"max_peers"`
		MaxIncoming      int    `yaml:"max_incoming"`
		PipelineDepth    int    `yaml:"pipeline_depth"`
		EndgameThreshold int    `yaml:"endgame_threshold"`
		SeedOnComplete   bool   `yaml:"seed_on_complete"`
		DownloadPath     string `yaml:"download_path"`
	} `yaml:"engine"`

	Discovery struct {
		UseTrackers   bool     `yaml:"use_trackers"`
		UseDHT        bool     `yaml:"use_dht"`
		ExtraTrackers []string `yaml:"extra_trackers"`
	} `yaml:"discovery"`

	WatchFolder struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"watch_folder"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Notifications struct {
		PushbulletAPIKey string `yaml:"pushbullet_api_key"`
	} `yaml:"notifications"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{}
	setDefaults(cfg)

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	loadFromEnv(cfg)
	return cfg, nil
}

func setDefaults(cfg *Config) {
	cfg.App.Port = 8081
	cfg.App.DataPath = "./data"
	cfg.App.APIPassword = "password"
	cfg.App.Debug = false

	cfg.Engine.PeerPort = 6881
	cfg.Engine.MaxPeers = 40
	cfg.Engine.MaxIncoming = 80
	cfg.Engine.PipelineDepth = 10
	cfg.Engine.EndgameThreshold = 20
	cfg.Engine.SeedOnComplete = true
	cfg.Engine.DownloadPath = "./data/downloads"

	cfg.Discovery.UseTrackers = true
	cfg.Discovery.UseDHT = true

	cfg.WatchFolder.Enabled = false
	cfg.WatchFolder.Path = "./data/watch"

	cfg.Database.Path = "./data/riptide.db"
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("RIPTIDE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.App.Port = port
		}
	}
	if v := os.Getenv("RIPTIDE_DATA_PATH"); v != "" {
		cfg.App.DataPath = v
	}
	if v := os.Getenv("RIPTIDE_API_PASSWORD"); v != "" {
		cfg.App.APIPassword = v
	}
}
