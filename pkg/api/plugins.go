package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/cuemby/vim/pkg/events"
	"github.com/cuemby/vim/pkg/executor"
	"github.com/cuemby/vim/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// InstanceRollup summarises the instances placed on a host
type InstanceRollup struct {
	Total      int `json:"total"`
	Enabled    int `json:"enabled"`
	Locked     int `json:"locked"`
	Migratable int `json:"migratable"`
}

// HostResponse is returned by the host hooks
type HostResponse struct {
	UUID      string          `json:"uuid"`
	HostName  string          `json:"hostname"`
	Result    string          `json:"result"`
	Instances *InstanceRollup `json:"instances,omitempty"`
}

// SwUpdateResponse reports whether an update strategy is running
type SwUpdateResponse struct {
	Status       string `json:"status"`
	SwUpdateType string `json:"sw-update-type"`
	InProgress   bool   `json:"in-progress"`
}

func (s *Server) registerPlugins(rg *gin.RouterGroup) {
	plugins := rg.Group("/nfvi-plugins/v1")
	{
		plugins.GET("/hosts", s.handleHostQuery)
		plugins.PATCH("/hosts", s.handleHostPatch)
		plugins.POST("/hosts", s.handleHostAdd)
		plugins.DELETE("/hosts", s.handleHostDelete)
		plugins.GET("/sw-update", s.handleSwUpdate)
	}
}

var (
	// ErrMalformed is returned for a notification with a missing or
	// conflicting field
	ErrMalformed = errors.New("malformed host notification")
	// ErrUnknownHost is returned for a host the fleet does not know
	ErrUnknownHost = errors.New("unknown host")
	// ErrVetoed is returned when a listener rejected the notification
	ErrVetoed = errors.New("host notification rejected")
)

// PatchHook picks the hook a PATCH body maps to
func (r *HostRequest) PatchHook() (Hook, error) {
	shapes := 0
	for _, set := range []bool{r.Action != "", r.StateChange != nil, r.Upgrade != nil} {
		if set {
			shapes++
		}
	}
	if shapes != 1 {
		return "", fmt.Errorf("%w: expected exactly one of action, state-change or upgrade", ErrMalformed)
	}
	switch {
	case r.StateChange != nil:
		return HookStateChange, nil
	case r.Upgrade != nil:
		return HookUpgrade, nil
	}
	switch Hook(r.Action) {
	case HookLock, HookUnlock, HookForceLock:
		return Hook(r.Action), nil
	}
	return "", fmt.Errorf("%w: unsupported action %q", ErrMalformed, r.Action)
}

// ApplyHost tells the listeners of hook about req and, when none vetoes
// it, publishes the resulting host event. It returns the host as
// published.
func (s *Server) ApplyHost(hook Hook, req *HostRequest) (*types.Host, error) {
	if req.HostName == "" {
		return nil, fmt.Errorf("%w: hostname is required", ErrMalformed)
	}

	var host *types.Host
	if hook == HookAdd {
		if req.UUID == "" {
			return nil, fmt.Errorf("%w: uuid is required", ErrMalformed)
		}
		host = &types.Host{UUID: req.UUID, Name: req.HostName}
		if existing := s.fleet.Host(req.HostName); existing != nil {
			host = existing
			host.UUID = req.UUID
		}
	} else {
		host = s.fleet.Host(req.HostName)
		if host == nil && req.UUID != "" {
			host = s.fleet.HostByUUID(req.UUID)
		}
		if host == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownHost, req.HostName)
		}
	}

	if !s.hooks.Notify(hook, req) {
		s.logger.Info().Str("host", req.HostName).Str("hook", string(hook)).Msg("Host notification rejected")
		return nil, fmt.Errorf("%w: %s %s", ErrVetoed, hook, req.HostName)
	}

	event := events.EventHostStateChanged
	switch hook {
	case HookAdd:
		event = events.EventHostAdded
		applyPersonality(host, req)
	case HookDelete:
		event = events.EventHostDeleted
	case HookStateChange:
		sc := req.StateChange
		host.AdminState = types.AdminState(sc.Administrative)
		host.OperState = types.OperState(sc.Operational)
		host.AvailStatus = types.AvailStatus(sc.Availability)
		host.SubfunctionOper = types.OperState(sc.SubfunctionOper)
		host.SubfunctionAvail = types.AvailStatus(sc.SubfunctionAvail)
		host.DataPortsOper = types.OperState(sc.DataPortsOper)
		host.DataPortsAvail = types.AvailStatus(sc.DataPortsAvail)
		applyPersonality(host, req)
	case HookUpgrade:
		host.UpgradeInProgress = req.Upgrade.InProgress
		host.RecoverInstances = req.Upgrade.RecoverInstances
	default:
		host.Action = req.Action
	}

	s.publish(event, host, string(hook))
	return host, nil
}

func (s *Server) bindHost(c *gin.Context) (*HostRequest, bool) {
	var req HostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return &req, true
}

// hostDone writes the response of an applied notification
func (s *Server) hostDone(c *gin.Context, req *HostRequest, host *types.Host, err error) {
	switch {
	case errors.Is(err, ErrVetoed):
		c.JSON(http.StatusBadRequest, HostResponse{UUID: req.UUID, HostName: req.HostName, Result: "rejected"})
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, HostResponse{UUID: host.UUID, HostName: host.Name, Result: "success"})
	}
}

func (s *Server) handleHostQuery(c *gin.Context) {
	req, ok := s.bindHost(c)
	if !ok {
		return
	}
	host := s.fleet.Host(req.HostName)
	if host == nil && req.UUID != "" {
		host = s.fleet.HostByUUID(req.UUID)
	}
	if host == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%v: %s", ErrUnknownHost, req.HostName)})
		return
	}

	instances := s.fleet.InstancesOnHost(host.Name)
	if len(instances) == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	rollup := &InstanceRollup{Total: len(instances)}
	for _, inst := range instances {
		if inst.IsEnabled() {
			rollup.Enabled++
		}
		if inst.IsLocked() {
			rollup.Locked++
		}
		if inst.LiveMigrationSupport {
			rollup.Migratable++
		}
	}
	c.JSON(http.StatusOK, HostResponse{UUID: host.UUID, HostName: host.Name, Result: "success", Instances: rollup})
}

func (s *Server) handleHostPatch(c *gin.Context) {
	req, ok := s.bindHost(c)
	if !ok {
		return
	}
	hook, err := req.PatchHook()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	host, err := s.ApplyHost(hook, req)
	s.hostDone(c, req, host, err)
}

func (s *Server) handleHostAdd(c *gin.Context) {
	req, ok := s.bindHost(c)
	if !ok {
		return
	}
	host, err := s.ApplyHost(HookAdd, req)
	s.hostDone(c, req, host, err)
}

func (s *Server) handleHostDelete(c *gin.Context) {
	req, ok := s.bindHost(c)
	if !ok {
		return
	}
	if req.Action != string(HookDelete) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported action " + req.Action})
		return
	}
	if _, err := s.ApplyHost(HookDelete, req); err != nil {
		s.hostDone(c, req, nil, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSwUpdate(c *gin.Context) {
	resp := SwUpdateResponse{Status: "success"}
	current, err := s.orch.Current()
	switch {
	case errors.Is(err, executor.ErrNoStrategy):
	case err != nil:
		s.fail(c, err)
		return
	default:
		resp.SwUpdateType = string(current.Kind)
		resp.InProgress = current.State.IsInProgress()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) publish(t events.EventType, host *types.Host, reason string) {
	s.logger.Debug().Str("host", host.Name).Str("event", string(t)).Msg("Host notification accepted")
	s.publisher.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: s.now(),
		HostName:  host.Name,
		Host:      host,
		Reason:    reason,
	})
}

// applyPersonality sets personalities the way inventory reports them: the
// main personality first, then any subfunction that is a personality
func applyPersonality(host *types.Host, req *HostRequest) {
	var subs []string
	if req.Subfunctions != "" {
		subs = req.SubfunctionList()
		host.Subfunctions = subs
	}
	if req.Personality == "" && subs == nil {
		return
	}

	host.Personalities = nil
	seen := map[types.Personality]bool{}
	add := func(p types.Personality) {
		if p != "" && !seen[p] {
			seen[p] = true
			host.Personalities = append(host.Personalities, p)
		}
	}
	add(types.Personality(req.Personality))
	for _, sub := range host.Subfunctions {
		switch p := types.Personality(sub); p {
		case types.PersonalityController, types.PersonalityWorker, types.PersonalityStorage:
			add(p)
		}
	}
	host.OpenStackCompute = seen[types.PersonalityWorker]
	host.OpenStackControl = seen[types.PersonalityController]
}
