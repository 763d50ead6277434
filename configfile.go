package linkage

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultKBPriority is applied to knowledge bases that omit a priority.
const defaultKBPriority = 99

// configFile mirrors the YAML layout. Pointer fields distinguish "unset" from
// zero so that DefaultConfig values survive partial files.
type configFile struct {
	KnowledgeBases []kbFile `yaml:"knowledge_bases"`
	Thresholds     struct {
		HighConfidence   *float64 `yaml:"high_confidence"`
		MediumConfidence *float64 `yaml:"medium_confidence"`
		Reevaluation     *float64 `yaml:"reevaluation"`
		MinSuccessRate   *float64 `yaml:"min_success_rate"`
		Fallback         *float64 `yaml:"fallback_confidence"`
	} `yaml:"thresholds"`
	Retrieval struct {
		MaxCandidates *int     `yaml:"max_candidates_per_mention"`
		MinRawScore   *float64 `yaml:"min_raw_score"`
		BatchSize     *int     `yaml:"batch_size"`
		Workers       *int     `yaml:"workers"`
		ProbeGateways *bool    `yaml:"probe_gateways"`
	} `yaml:"retrieval"`
	Analysis struct {
		SampleSize *int `yaml:"sample_size"`
	} `yaml:"analysis"`
	Scoring    string `yaml:"scoring"`
	Supervisor struct {
		MaxRetries            *int   `yaml:"max_retries"`
		CallTimeoutRaw        string `yaml:"call_timeout"`
		MaxConcurrentRequests *int   `yaml:"max_concurrent_requests"`
	} `yaml:"supervisor"`
	Cache struct {
		Enabled      *bool  `yaml:"enabled"`
		TTLRaw       string `yaml:"ttl"`
		MaxEntries   *int   `yaml:"max_entries"`
		ReuseOnRetry *bool  `yaml:"reuse_on_retry"`
	} `yaml:"cache"`
	Recorder struct {
		EventBuffer *int `yaml:"event_buffer"`
	} `yaml:"recorder"`
	Reasoning struct {
		Provider        string   `yaml:"provider"`
		Model           string   `yaml:"model"`
		APIKey          string   `yaml:"api_key"`
		Temperature     *float32 `yaml:"temperature"`
		MaxOutputTokens *int32   `yaml:"max_output_tokens"`
	} `yaml:"reasoning"`
}

type kbFile struct {
	Name                 string            `yaml:"name"`
	URL                  string            `yaml:"url"`
	Type                 string            `yaml:"type"`
	Credentials          map[string]string `yaml:"credentials"`
	SupportedColumnTypes []string          `yaml:"supported_column_types"`
	Enabled              *bool             `yaml:"enabled"`
	Priority             *int              `yaml:"priority"`
	Parameters           map[string]string `yaml:"parameters"`
	Optional             bool              `yaml:"optional"`
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig.
// Any envFiles are loaded with godotenv first; ${VAR} references in the file
// are then expanded from the environment. Missing env files are ignored.
func LoadConfig(path string, envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("loading env file %s: %w", f, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration bytes on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	var file configFile
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &file); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}

	cfg, err := file.apply(DefaultConfig())
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the environment value, or empty when unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func (f configFile) apply(cfg Config) (Config, error) {
	for _, kb := range f.KnowledgeBases {
		c := KnowledgeBaseConfig{
			Name:        kb.Name,
			URL:         kb.URL,
			Type:        kb.Type,
			Credentials: kb.Credentials,
			Enabled:     kb.Enabled == nil || *kb.Enabled,
			Priority:    defaultKBPriority,
			Parameters:  kb.Parameters,
			Optional:    kb.Optional,
		}
		if kb.Priority != nil {
			c.Priority = *kb.Priority
		}
		for _, label := range kb.SupportedColumnTypes {
			ct, err := ParseColumnType(label)
			if err != nil {
				return Config{}, fmt.Errorf("knowledge base %s: %w", kb.Name, err)
			}
			c.SupportedColumnTypes = append(c.SupportedColumnTypes, ct)
		}
		cfg.KnowledgeBases = append(cfg.KnowledgeBases, c)
	}

	setFloat(&cfg.HighConfidenceThreshold, f.Thresholds.HighConfidence)
	setFloat(&cfg.MediumConfidenceThreshold, f.Thresholds.MediumConfidence)
	setFloat(&cfg.ReevaluationThreshold, f.Thresholds.Reevaluation)
	setFloat(&cfg.MinSuccessRate, f.Thresholds.MinSuccessRate)
	setFloat(&cfg.FallbackConfidence, f.Thresholds.Fallback)

	setInt(&cfg.MaxCandidatesPerMention, f.Retrieval.MaxCandidates)
	setFloat(&cfg.MinRawScore, f.Retrieval.MinRawScore)
	setInt(&cfg.BatchSize, f.Retrieval.BatchSize)
	setInt(&cfg.Workers, f.Retrieval.Workers)
	setBool(&cfg.ProbeGateways, f.Retrieval.ProbeGateways)

	setInt(&cfg.SampleSize, f.Analysis.SampleSize)
	if f.Scoring != "" {
		cfg.Scoring = f.Scoring
	}

	setInt(&cfg.MaxRetries, f.Supervisor.MaxRetries)
	setInt(&cfg.MaxConcurrentRequests, f.Supervisor.MaxConcurrentRequests)
	if err := setDuration(&cfg.CallTimeout, f.Supervisor.CallTimeoutRaw); err != nil {
		return Config{}, fmt.Errorf("parsing supervisor.call_timeout: %w", err)
	}

	setBool(&cfg.CacheEnabled, f.Cache.Enabled)
	setInt(&cfg.CacheMaxEntries, f.Cache.MaxEntries)
	setBool(&cfg.ReuseCacheOnRetry, f.Cache.ReuseOnRetry)
	if err := setDuration(&cfg.CacheTTL, f.Cache.TTLRaw); err != nil {
		return Config{}, fmt.Errorf("parsing cache.ttl: %w", err)
	}

	setInt(&cfg.EventBuffer, f.Recorder.EventBuffer)

	if f.Reasoning.Provider != "" {
		cfg.Reasoning.Provider = f.Reasoning.Provider
	}
	if f.Reasoning.Model != "" {
		cfg.Reasoning.Model = f.Reasoning.Model
	}
	if f.Reasoning.APIKey != "" {
		cfg.Reasoning.APIKey = f.Reasoning.APIKey
	}
	if f.Reasoning.Temperature != nil {
		cfg.Reasoning.Temperature = *f.Reasoning.Temperature
	}
	if f.Reasoning.MaxOutputTokens != nil {
		cfg.Reasoning.MaxOutputTokens = *f.Reasoning.MaxOutputTokens
	}
	return cfg, nil
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
