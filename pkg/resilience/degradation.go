package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/NikhilSetiya/agentcore/pkg/logging"
)

// DegradationLevel ranks how much of the system is currently usable.
type DegradationLevel int

const (
	LevelNormal DegradationLevel = iota
	LevelPartial
	LevelSevere
	LevelCritical
)

var levelNames = [...]string{LevelNormal: "NORMAL", LevelPartial: "PARTIAL", LevelSevere: "SEVERE", LevelCritical: "CRITICAL"}

func (l DegradationLevel) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// MarshalText renders the level name in JSON and YAML.
func (l DegradationLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ServiceHealth is the degradation manager's view of one service.
type ServiceHealth struct {
	Name         string        `json:"name"`
	Essential    bool          `json:"essential"`
	Healthy      bool          `json:"healthy"`
	LastCheck    time.Time     `json:"last_check"`
	ErrorCount   int           `json:"error_count"`
	ResponseTime time.Duration `json:"response_time"`
	Message      string        `json:"message,omitempty"`
}

// spreadFloors raise the level once the unhealthy share reaches each ratio,
// whatever the individual services imply. Ordered from the highest ratio.
var spreadFloors = []struct {
	ratio float64
	level DegradationLevel
}{
	{0.75, LevelCritical},
	{0.5, LevelSevere},
	{0.25, LevelPartial},
}

type tracked struct {
	ServiceHealth
	impact DegradationLevel
}

// DegradationManager turns per-service health reports into one system level.
// A service turns unhealthy after a run of failed reports and healthy again
// on the first good one.
type DegradationManager struct {
	mu        sync.RWMutex
	services  map[string]*tracked
	threshold int
	logger    *logging.Logger
}

// NewDegradationManager creates a manager. A threshold below 1 means 3.
func NewDegradationManager(unhealthyThreshold int, logger *logging.Logger) *DegradationManager {
	if unhealthyThreshold < 1 {
		unhealthyThreshold = 3
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &DegradationManager{
		services:  make(map[string]*tracked),
		threshold: unhealthyThreshold,
		logger:    logger,
	}
}

// RegisterService starts tracking name as healthy. impact is the least
// system level implied while it is down.
func (dm *DegradationManager) RegisterService(name string, impact DegradationLevel, essential bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.services[name] = &tracked{
		ServiceHealth: ServiceHealth{Name: name, Essential: essential, Healthy: true, LastCheck: time.Now()},
		impact:        impact,
	}
}

// ResetServiceHealth forgets every failure.
func (dm *DegradationManager) ResetServiceHealth() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	for _, s := range dm.services {
		s.Healthy, s.ErrorCount, s.Message = true, 0, ""
	}
}

// UpdateServiceHealth records one health report. Reports for unknown
// services are dropped.
func (dm *DegradationManager) UpdateServiceHealth(name string, healthy bool, responseTime time.Duration, message string) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	s, ok := dm.services[name]
	if !ok {
		dm.logger.Warn("Health report for unregistered service", "service", name)
		return
	}

	s.LastCheck = time.Now()
	s.ResponseTime = responseTime
	s.Message = message
	if healthy {
		s.ErrorCount = 0
	} else {
		s.ErrorCount++
	}
	wasHealthy := s.Healthy
	s.Healthy = healthy || s.ErrorCount < dm.threshold

	if wasHealthy != s.Healthy {
		dm.logger.Info("Service health changed",
			"service", name,
			"healthy", s.Healthy,
			"essential", s.Essential,
			"message", message,
		)
	}
}

// GetCurrentDegradationLevel is the highest impact among unhealthy services,
// raised further when a large share of services is down.
func (dm *DegradationManager) GetCurrentDegradationLevel() DegradationLevel {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	if len(dm.services) == 0 {
		return LevelNormal
	}

	level, down := LevelNormal, 0
	for _, s := range dm.services {
		if s.Healthy {
			continue
		}
		down++
		if s.impact > level {
			level = s.impact
		}
	}

	share := float64(down) / float64(len(dm.services))
	for _, f := range spreadFloors {
		if share >= f.ratio {
			if f.level > level {
				level = f.level
			}
			break
		}
	}
	return level
}

// GetServiceHealth returns a copy of name's health.
func (dm *DegradationManager) GetServiceHealth(name string) (*ServiceHealth, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	s, ok := dm.services[name]
	if !ok {
		return nil, false
	}
	h := s.ServiceHealth
	return &h, true
}

// GetAllServiceHealth returns copies keyed by service name.
func (dm *DegradationManager) GetAllServiceHealth() map[string]*ServiceHealth {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	out := make(map[string]*ServiceHealth, len(dm.services))
	for name, s := range dm.services {
		h := s.ServiceHealth
		out[name] = &h
	}
	return out
}

func (dm *DegradationManager) IsServiceHealthy(name string) bool {
	h, ok := dm.GetServiceHealth(name)
	return ok && h.Healthy
}

// GetHealthyServices lists healthy services by name, sorted.
func (dm *DegradationManager) GetHealthyServices() []string { return dm.names(true) }

// GetUnhealthyServices lists unhealthy services by name, sorted.
func (dm *DegradationManager) GetUnhealthyServices() []string { return dm.names(false) }

func (dm *DegradationManager) names(healthy bool) []string {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	var out []string
	for name, s := range dm.services {
		if s.Healthy == healthy {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
