package pipeline

import (
	"fmt"
	"strings"

	"fleetrel/internal/archive"
	"fleetrel/internal/platform"
)

// TargetPlan is what one target's pipeline would do.
type TargetPlan struct {
	Target platform.Target
	Stages []Stage
	Files  []string
}

// Plan is the resolved run, for dry-run display. Nothing is executed while
// building it.
type Plan struct {
	Tag      string
	Targets  []TargetPlan
	Publish  bool
	Warnings []string
}

// Plan resolves targets, stages, and output filenames for opts.
func (p *Pipeline) Plan(opts Options) (Plan, error) {
	targets, warnings, err := platform.Resolve(opts.Selector)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{Tag: p.tag(opts), Publish: opts.Release, Warnings: warnings}
	for _, target := range targets {
		tp := TargetPlan{Target: target}
		if !opts.SkipBuild {
			tp.Stages = append(tp.Stages, StageBuild)
		}
		if opts.Sign && target.IsDarwin() {
			tp.Stages = append(tp.Stages, StageSign)
		}
		if opts.Notarize && target.IsDarwin() {
			tp.Stages = append(tp.Stages, StageAttest)
		}
		tp.Stages = append(tp.Stages, StagePackage)
		tp.Files = archive.PlannedFiles(
			p.Config.BinaryName, p.Config.Version, target,
			opts.Editors, p.Config.Minisign.SecretKey != "")
		plan.Targets = append(plan.Targets, tp)
	}
	return plan, nil
}

// Render formats the plan for terminal display.
func (p Plan) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tag: %s\n", p.Tag)
	for _, t := range p.Targets {
		stages := make([]string, len(t.Stages))
		for i, s := range t.Stages {
			stages[i] = string(s)
		}
		fmt.Fprintf(&b, "%s: %s\n", t.Target.Key, strings.Join(stages, " -> "))
		for _, f := range t.Files {
			fmt.Fprintf(&b, "  %s\n", f)
		}
	}
	if p.Publish {
		fmt.Fprintf(&b, "publish: release %s with all produced assets\n", p.Tag)
	} else {
		b.WriteString("publish: disabled\n")
	}
	for _, w := range p.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", w)
	}
	return b.String()
}
