// Package taskgraph builds the processor and reporter task definitions
// emitted for every actionable bug.
//
// A descriptor is fully determined by its kind (processor or reporter), the
// bug's platform (linux or windows) and the build options. Every field is
// computed by a plain function of those inputs, and the task definition is
// built once, when the descriptor is created.
package taskgraph

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/clintrovert/bugmon-tc/internal/config"
	"github.com/clintrovert/bugmon-tc/pkg/types"
)

// Kind is the pipeline stage a task runs
type Kind string

const (
	KindProcessor Kind = "processor"
	KindReporter  Kind = "reporter"
)

// Platform selects the worker implementation a task runs on
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
)

// Worker pools
const (
	WorkerProcessor        = "bugmon-processor"
	WorkerPernosco         = "bugmon-pernosco"
	WorkerProcessorWindows = "bugmon-processor-windows"
	WorkerMonitor          = "bugmon-monitor"
)

// PlatformFor returns the platform a bug's processor task must run on.
// Everything but Windows runs on the Linux docker-worker pools.
func PlatformFor(bug *types.Bug) Platform {
	if bug.OS() == types.OSWindows {
		return PlatformWindows
	}
	return PlatformLinux
}

// Descriptor is one unit of work for the queue
type Descriptor struct {
	ID           string
	ParentID     string
	BugID        int
	Kind         Kind
	Platform     Platform
	Dependencies []string

	// Src is the artifact the task reads, Dest the one it writes.
	// TraceDest is set when an rr trace is recorded or submitted.
	Src       string
	Dest      string
	TraceDest string

	Env          map[string]string
	Scopes       []string
	Capabilities Capabilities
	WorkerType   string

	task *Task
}

// Task returns the task definition. It is built once when the descriptor is
// created, so every call returns the same value.
func (d *Descriptor) Task() *Task {
	return d.task
}

// ProcessorOptions toggles optional processor behavior
type ProcessorOptions struct {
	UseTrace     bool
	ForceConfirm bool
}

// Builder creates task descriptors
type Builder struct {
	settings config.Settings
	newID    func() string
	now      func() time.Time
}

// Option configures a Builder
type Option func(*Builder)

// WithIDGenerator replaces the slugid generator
func WithIDGenerator(fn func() string) Option {
	return func(b *Builder) { b.newID = fn }
}

// WithClock replaces the clock used for task timestamps
func WithClock(fn func() time.Time) Option {
	return func(b *Builder) { b.now = fn }
}

// NewBuilder creates a new descriptor builder
func NewBuilder(settings config.Settings, opts ...Option) *Builder {
	b := &Builder{
		settings: settings,
		newID:    NewSlugID,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildProcessor creates the processor descriptor for bug
func (b *Builder) BuildProcessor(parentID string, bug *types.Bug, monitorPath string, opts ProcessorOptions) *Descriptor {
	platform := PlatformFor(bug)

	d := &Descriptor{
		ID:           b.newID(),
		ParentID:     parentID,
		BugID:        bug.ID,
		Kind:         KindProcessor,
		Platform:     platform,
		Dependencies: []string{parentID},
		Src:          monitorPath,
		Dest:         ProcessorResultPath(bug.ID, parentID),
	}
	if opts.UseTrace {
		d.TraceDest = TracePath(bug.ID, parentID)
	}

	d.Env = processorEnv(platform, d.Src, d.Dest, d.TraceDest, opts.ForceConfirm)
	d.Scopes = processorScopes(b.settings, platform, d.Src)
	d.Capabilities = processorCapabilities(platform)
	d.WorkerType = processorWorkerType(platform, opts.UseTrace)
	d.task = b.task(d)
	return d
}

// BuildReporter creates the reporter descriptor for bug. dependencyID is the
// processor task the reporter waits on; tracePath is empty when no trace
// will be submitted.
func (b *Builder) BuildReporter(parentID string, bug *types.Bug, processorPath, dependencyID, tracePath string) *Descriptor {
	deps := []string{parentID}
	if dependencyID != "" {
		deps = append(deps, dependencyID)
	}

	d := &Descriptor{
		ID:           b.newID(),
		ParentID:     parentID,
		BugID:        bug.ID,
		Kind:         KindReporter,
		Platform:     PlatformLinux,
		Dependencies: deps,
		Src:          processorPath,
		TraceDest:    tracePath,
		WorkerType:   WorkerMonitor,
	}

	d.Env = reporterEnv(d.Src, d.TraceDest)
	d.Scopes = reporterScopes(b.settings, d.Src, d.TraceDest)
	d.task = b.task(d)
	return d
}

func processorEnv(platform Platform, monitorPath, dest, traceDest string, forceConfirm bool) map[string]string {
	env := map[string]string{
		"BUG_ACTION":         "process",
		"MONITOR_ARTIFACT":   monitorPath,
		"PROCESSOR_ARTIFACT": dest,
	}
	if forceConfirm {
		env["FORCE_CONFIRM"] = "1"
	}
	if traceDest != "" {
		env["TRACE_ARTIFACT"] = traceDest
	}
	if platform == PlatformWindows {
		env["MSYSTEM"] = "MINGW64"
	}
	return env
}

func reporterEnv(processorPath, tracePath string) map[string]string {
	env := map[string]string{
		"BUG_ACTION":         "report",
		"PROCESSOR_ARTIFACT": processorPath,
	}
	if tracePath != "" {
		env["TRACE_ARTIFACT"] = tracePath
	}
	return env
}

func processorScopes(s config.Settings, platform Platform, monitorPath string) []string {
	scopes := []string{
		getArtifactScope(s, monitorPath),
		"queue:scheduler-id:" + s.SchedulerID,
	}
	if platform == PlatformLinux {
		scopes = append(scopes,
			"docker-worker:capability:device:hostSharedMemory",
			"docker-worker:capability:device:loopbackAudio",
			"docker-worker:capability:disableSeccomp",
			"docker-worker:capability:privileged",
		)
	}
	return scopes
}

func reporterScopes(s config.Settings, processorPath, tracePath string) []string {
	scopes := []string{"secrets:get:" + s.SecretPrefix + "/bz-api-key"}
	if tracePath != "" {
		scopes = append(scopes,
			"secrets:get:"+s.SecretPrefix+"/pernosco-user",
			"secrets:get:"+s.SecretPrefix+"/pernosco-group",
			"secrets:get:"+s.SecretPrefix+"/pernosco-secret",
		)
	}
	scopes = append(scopes, getArtifactScope(s, processorPath))
	if tracePath != "" {
		scopes = append(scopes, getArtifactScope(s, tracePath))
	}
	return append(scopes, "queue:scheduler-id:"+s.SchedulerID)
}

func getArtifactScope(s config.Settings, path string) string {
	return fmt.Sprintf("queue:get-artifact:%s/%s", s.ArtifactNamespace, path)
}

func processorCapabilities(platform Platform) Capabilities {
	if platform != PlatformLinux {
		return Capabilities{}
	}
	return Capabilities{
		Devices:        map[string]bool{"hostSharedMemory": true, "loopbackAudio": true},
		DisableSeccomp: true,
		Privileged:     true,
	}
}

func processorWorkerType(platform Platform, useTrace bool) string {
	switch {
	case platform == PlatformWindows:
		return WorkerProcessorWindows
	case useTrace:
		return WorkerPernosco
	default:
		return WorkerProcessor
	}
}

// windowsCommand prepares the msys2 environment before running the entry
// point baked into the toolchain archive
func windowsCommand() []string {
	path := strings.Join([]string{
		`%CD%\msys64\opt\python`,
		`%CD%\msys64\opt\python\Scripts`,
		`%CD%\msys64\MINGW64\bin`,
		`%CD%\msys64\usr\bin`,
		"%PATH%",
	}, ";")

	return []string{
		"set HOME=%CD%",
		"set ARTIFACTS=%CD%",
		"set PATH=" + path,
		"launch.sh",
	}
}

// artifactList converts docker-worker's artifact map into generic-worker's
// name-tagged list. Paths are made relative to the task directory.
func artifactList(artifacts ArtifactMap) ArtifactList {
	names := make([]string, 0, len(artifacts))
	for name := range artifacts {
		names = append(names, name)
	}
	sort.Strings(names)

	list := make(ArtifactList, 0, len(names))
	for _, name := range names {
		a := artifacts[name]
		list = append(list, Artifact{
			Name: name,
			Path: strings.TrimLeft(a.Path, `/\`),
			Type: a.Type,
		})
	}
	return list
}

func (b *Builder) payload(d *Descriptor) Payload {
	artifacts := ArtifactMap{
		b.settings.ArtifactNamespace: {Path: b.settings.ArtifactPath, Type: "directory"},
	}
	features := map[string]bool{"taskclusterProxy": true}

	if d.Platform == PlatformWindows {
		tc := b.settings.WindowsToolchain
		mount := Mount{
			Content:   MountContent{Namespace: tc.Namespace, Artifact: tc.Artifact},
			Directory: tc.Directory,
			Format:    tc.Format,
		}
		return Payload{
			Artifacts:    artifactList(artifacts),
			Command:      windowsCommand(),
			Env:          d.Env,
			Features:     features,
			MaxRunTime:   MaxRunTime,
			Mounts:       []Mount{mount},
			OnExitStatus: &ExitStatus{Retry: []int{WindowsRetryExitCode}},
		}
	}

	p := Payload{
		Artifacts:  artifacts,
		Env:        d.Env,
		Features:   features,
		Image:      b.settings.Image,
		MaxRunTime: MaxRunTime,
	}
	if !d.Capabilities.IsZero() {
		caps := d.Capabilities
		p.Capabilities = &caps
	}
	return p
}

func (b *Builder) task(d *Descriptor) *Task {
	now := b.now()

	scopes := append([]string(nil), d.Scopes...)
	sort.Strings(scopes)

	name := "Bugmon Processor"
	if d.Kind == KindReporter {
		name = "Bugmon Reporter"
	}

	return &Task{
		TaskGroupID:   d.ParentID,
		Dependencies:  append([]string(nil), d.Dependencies...),
		Created:       stringDate(now),
		Deadline:      stringDate(now.Add(MaxRunTime * time.Second)),
		Expires:       stringDate(now.Add(Expiry)),
		ProvisionerID: b.settings.Provisioner,
		Metadata: Metadata{
			Description: "",
			Name:        fmt.Sprintf("%s (%d)", name, d.BugID),
			Owner:       b.settings.Owner,
			Source:      b.settings.Source,
		},
		Payload:     b.payload(d),
		Priority:    b.settings.Priority,
		WorkerType:  d.WorkerType,
		Retries:     b.settings.Retries,
		Routes:      append([]string{}, b.settings.Routes...),
		SchedulerID: b.settings.SchedulerID,
		Scopes:      scopes,
		Tags:        map[string]string{},
	}
}
