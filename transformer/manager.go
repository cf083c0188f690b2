package transformer

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/eddielth/crane-telemetry/config"
	"github.com/eddielth/crane-telemetry/logger"
)

// Manager holds the operator supplied decode scripts
type Manager struct {
	transformers map[string]*Transformer
	mutex        sync.RWMutex
}

// Transformer is one compiled decode script. A goja runtime is not safe for
// concurrent use, so calls are serialized.
type Transformer struct {
	name       string
	vm         *goja.Runtime
	decode     goja.Callable
	scriptPath string
	mu         sync.Mutex
}

// NewManager compiles one transformer per configured script
func NewManager(configs map[string]config.Script) (*Manager, error) {
	manager := &Manager{
		transformers: make(map[string]*Transformer),
	}

	for name, cfg := range configs {
		transformer, err := loadTransformer(name, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create decode script %s: %v", name, err)
		}
		manager.transformers[name] = transformer
		logger.Info("loaded decode script %s", name)
	}

	return manager, nil
}

func loadTransformer(name string, cfg config.Script) (*Transformer, error) {
	var scriptCode string
	if cfg.ScriptCode != "" {
		scriptCode = cfg.ScriptCode
	} else if cfg.ScriptPath != "" {
		scriptBytes, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load script file %s: %v", cfg.ScriptPath, err)
		}
		scriptCode = string(scriptBytes)
	} else {
		return nil, fmt.Errorf("no script code or script path provided")
	}

	return newTransformer(name, scriptCode, cfg.ScriptPath)
}

func newTransformer(name, scriptCode, scriptPath string) (*Transformer, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS %s] %s", name, msg)
	})

	_ = vm.Set("parseJSON", func(jsonStr string) interface{} {
		var data interface{}
		if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
			logger.Warn("failed to parse JSON: %v", err)
			return nil
		}
		return data
	})

	// parseHex("0F") == 15, invalid input yields -1
	_ = vm.Set("parseHex", func(s string) int64 {
		v, err := strconv.ParseInt(strings.TrimSpace(s), 16, 64)
		if err != nil {
			return -1
		}
		return v
	})

	_ = vm.Set("formatDate", func(timestamp int64, format string) string {
		if format == "" {
			format = time.RFC3339
		}
		return time.Unix(timestamp, 0).UTC().Format(format)
	})

	_ = vm.Set("validateRange", func(value float64, min float64, max float64) bool {
		return value >= min && value <= max
	})

	if _, err := vm.RunString(scriptCode); err != nil {
		return nil, fmt.Errorf("failed to run script: %v", err)
	}

	decodeValue := vm.Get("decode")
	if decodeValue == nil {
		return nil, fmt.Errorf("script does not define a 'decode' function")
	}

	decode, ok := goja.AssertFunction(decodeValue)
	if !ok {
		return nil, fmt.Errorf("'decode' is not a function")
	}

	return &Transformer{
		name:       name,
		vm:         vm,
		decode:     decode,
		scriptPath: scriptPath,
	}, nil
}

// run calls decode(payload). A null/undefined result means the script does
// not recognize the payload.
func (t *Transformer) run(payload string) (map[string]interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	result, err := t.decode(goja.Undefined(), t.vm.ToValue(payload))
	if err != nil {
		return nil, fmt.Errorf("script %s failed: %v", t.name, err)
	}
	if goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}

	obj, ok := result.Export().(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("script %s returned %T, want object", t.name, result.Export())
	}
	return obj, nil
}

// Transform offers payload to every script in name order and returns the
// first object produced
func (m *Manager) Transform(payload string) (map[string]interface{}, string, error) {
	m.mutex.RLock()
	transformers := make(map[string]*Transformer, len(m.transformers))
	names := make([]string, 0, len(m.transformers))
	for name, t := range m.transformers {
		transformers[name] = t
		names = append(names, name)
	}
	m.mutex.RUnlock()

	sort.Strings(names)

	var lastErr error
	for _, name := range names {
		obj, err := transformers[name].run(payload)
		if err != nil {
			lastErr = err
			continue
		}
		if obj != nil {
			return obj, name, nil
		}
	}
	if lastErr != nil {
		return nil, "", lastErr
	}
	return nil, "", nil
}

// Names returns the loaded script names
func (m *Manager) Names() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	names := make([]string, 0, len(m.transformers))
	for name := range m.transformers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReloadTransformer recompiles one script in place
func (m *Manager) ReloadTransformer(name string, cfg config.Script) error {
	transformer, err := loadTransformer(name, cfg)
	if err != nil {
		return fmt.Errorf("failed to create decode script: %v", err)
	}

	m.mutex.Lock()
	m.transformers[name] = transformer
	m.mutex.Unlock()

	logger.Info("reloaded decode script %s", name)
	return nil
}

// Remove drops a script that is no longer configured
func (m *Manager) Remove(name string) {
	m.mutex.Lock()
	delete(m.transformers, name)
	m.mutex.Unlock()
}
