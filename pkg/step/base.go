package step

// BaseStep provides common functionality for steps.
// Embed this in your step implementations.
type BaseStep struct {
	nodeID   string
	stepType string
	settings map[string]any
}

// NewBaseStep creates a new base step from configuration.
func NewBaseStep(cfg Config) BaseStep {
	settings := cfg.Settings
	if settings == nil {
		settings = make(map[string]any)
	}
	return BaseStep{
		nodeID:   cfg.NodeID,
		stepType: cfg.Type,
		settings: settings,
	}
}

// NodeID returns the node ID.
func (b *BaseStep) NodeID() string {
	return b.nodeID
}

// StepType returns the step type.
func (b *BaseStep) StepType() string {
	return b.stepType
}

// Settings returns the resolved settings map.
func (b *BaseStep) Settings() map[string]any {
	return b.settings
}

// GetString returns a setting as string with default.
func (b *BaseStep) GetString(key, defaultVal string) string {
	if v, ok := b.settings[key].(string); ok && v != "" {
		return v
	}
	return defaultVal
}

// GetInt returns a setting as int with default. JSON numbers arrive as float64.
func (b *BaseStep) GetInt(key string, defaultVal int) int {
	switch v := b.settings[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultVal
}

// GetBool returns a setting as bool with default.
func (b *BaseStep) GetBool(key string, defaultVal bool) bool {
	if v, ok := b.settings[key].(bool); ok {
		return v
	}
	return defaultVal
}
