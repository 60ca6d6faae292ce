package run

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/audit"
	"github.com/forgeflow/forgeflow/internal/fail"
	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/ident"
	"github.com/forgeflow/forgeflow/internal/layout"
	"github.com/forgeflow/forgeflow/internal/schema"
)

// IncidentStatus is an incident's lifecycle state: open -> resolved.
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "open"
	IncidentResolved IncidentStatus = "resolved"
)

// Incident is the on-disk incident document.
type Incident struct {
	ID          string         `json:"id"`
	Status      IncidentStatus `json:"status"`
	Severity    string         `json:"severity"`
	Summary     string         `json:"summary"`
	StartedAt   string         `json:"started_at"`
	ResolvedAt  string         `json:"resolved_at,omitempty"`
	Notes       []string       `json:"notes,omitempty"`
	RCA         string         `json:"rca,omitempty"`
	RelatedMaps []string       `json:"related_maps,omitempty"`
}

// Incidents records store incidents.
//
// Incidents deliberately bypass the run lock and the write-ahead journal:
// they must be recordable while the store is read_only or the durability
// layer itself is the thing that failed. Writes are atomic per file and
// serialised by an in-process mutex.
type Incidents struct {
	fsys      fs.FS
	root      layout.Root
	validator *schema.Validator
	chain     *audit.Chain
	clock     ident.Clock
	logger    *zap.Logger

	mu sync.Mutex
}

// NewIncidents creates the incident manager over the store root.
func NewIncidents(fsys fs.FS, root layout.Root, validator *schema.Validator, chain *audit.Chain, clock ident.Clock, logger *zap.Logger) *Incidents {
	return &Incidents{
		fsys:      fsys,
		root:      root,
		validator: validator,
		chain:     chain,
		clock:     clock,
		logger:    logger.Named("incident"),
	}
}

// Open records a new open incident.
func (i *Incidents) Open(severity, summary string, relatedMaps []string) (Incident, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.clock.Now()

	incident := Incident{
		ID:          ident.NewIncidentID(now),
		Status:      IncidentOpen,
		Severity:    severity,
		Summary:     summary,
		StartedAt:   ident.Timestamp(now),
		RelatedMaps: relatedMaps,
	}

	err := i.writeLocked(incident)
	if err != nil {
		return Incident{}, err
	}

	i.audit("incident_open", incident)
	i.logger.Warn("incident opened",
		zap.String("incident_id", incident.ID),
		zap.String("severity", severity),
		zap.String("summary", summary))

	return incident, nil
}

// AddNote appends a timestamped note to an open incident.
func (i *Incidents) AddNote(id, text string) (Incident, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	incident, err := i.readLocked(id)
	if err != nil {
		return Incident{}, err
	}

	if incident.Status == IncidentResolved {
		return Incident{}, fail.New(fail.OperationFailed, "incident %s is resolved", id)
	}

	stamped := ident.Timestamp(i.clock.Now()) + " " + text
	incident.Notes = append(incident.Notes, stamped)

	err = i.writeLocked(incident)
	if err != nil {
		return Incident{}, err
	}

	return incident, nil
}

// Resolve closes an open incident with a root-cause analysis. Resolving a
// resolved incident is a no-op returning the terminal record.
func (i *Incidents) Resolve(id, rca string) (Incident, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	incident, err := i.readLocked(id)
	if err != nil {
		return Incident{}, err
	}

	if incident.Status == IncidentResolved {
		return incident, nil
	}

	incident.Status = IncidentResolved
	incident.ResolvedAt = ident.Timestamp(i.clock.Now())
	incident.RCA = rca

	err = i.writeLocked(incident)
	if err != nil {
		return Incident{}, err
	}

	i.audit("incident_resolve", incident)
	i.logger.Info("incident resolved", zap.String("incident_id", id))

	return incident, nil
}

// Get reads one incident. Missing ids fail with kind NOT_FOUND.
func (i *Incidents) Get(id string) (Incident, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.readLocked(id)
}

// List returns incidents matching status (empty matches all), newest first.
func (i *Incidents) List(status IncidentStatus) ([]Incident, error) {
	files, err := i.fsys.ReadDir(i.root.Path(layout.IncidentsDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read incidents dir: %w", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	incidents := make([]Incident, 0, len(files))

	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		incident, readErr := i.readLocked(strings.TrimSuffix(name, ".json"))
		if readErr != nil {
			i.logger.Warn("skipping malformed incident record",
				zap.String("file", name), zap.Error(readErr))

			continue
		}

		if status != "" && incident.Status != status {
			continue
		}

		incidents = append(incidents, incident)
	}

	sort.Slice(incidents, func(a, b int) bool { return incidents[a].ID > incidents[b].ID })

	return incidents, nil
}

func (i *Incidents) readLocked(id string) (Incident, error) {
	raw, err := i.fsys.ReadFile(i.root.IncidentPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Incident{}, fail.New(fail.NotFound, "incident %q", id)
		}

		return Incident{}, fmt.Errorf("read incident %s: %w", id, err)
	}

	var incident Incident

	err = json.Unmarshal(raw, &incident)
	if err != nil {
		return Incident{}, fmt.Errorf("parse incident %s: %w", id, err)
	}

	return incident, nil
}

func (i *Incidents) writeLocked(incident Incident) error {
	err := i.validator.ValidateOrErr(incident, "incident")
	if err != nil {
		return err
	}

	data, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("marshal incident %s: %w", incident.ID, err)
	}

	err = fs.WriteJSONDurable(i.fsys, i.root.IncidentPath(incident.ID), data)
	if err != nil {
		return fmt.Errorf("write incident %s: %w", incident.ID, err)
	}

	return nil
}

// audit records the transition; failures are logged, not propagated, since
// the incident file itself is already durable and an incident write must
// not fail because the audit log is the broken component.
func (i *Incidents) audit(action string, incident Incident) {
	_, err := i.chain.Append(map[string]any{
		"action":      action,
		"incident_id": incident.ID,
		"severity":    incident.Severity,
	})
	if err != nil {
		i.logger.Error("audit incident transition", zap.Error(err))
	}
}
