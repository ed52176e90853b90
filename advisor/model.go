package advisor

import (
	"context"
	"fmt"
	"text/template"
	"time"

	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/internal/util"
	"github.com/hupe1980/trafficmesh/logging"
	"github.com/hupe1980/trafficmesh/model"
)

const defaultInstructions = "You are the strategic decision-making advisor of an urban mobility operating system for Bengaluru traffic management. Answer with a single JSON object and nothing else."

const promptText = `Current Situation:
- Congestion Score: {{percent .Traffic.CongestionScore}}/100
- Critical Choke Point: {{default "none" .Traffic.CriticalChokePointName}}
- Affected Vehicles: {{.Traffic.AffectedVehicles}}
- Prediction Confidence: {{printf "%.2f" .Traffic.PredictionConfidence}}
- Risk Level: {{.Traffic.RiskLevel}}
- Local Time: {{.Temporal.CurrentTime.Format "2006-01-02 15:04"}} ({{.Temporal.DayOfWeek}})
- Peak Hour: {{.Temporal.IsPeakHour}}
- Weekend: {{.Temporal.IsWeekend}}
- Cycles Run: {{.System.TotalCycles}}, Interventions Triggered: {{.System.InterventionsTriggered}}
- Emergency Threshold: {{percent .System.EmergencyThreshold}}/100
- Major Routes: {{join ", " .Domain.MajorRoutes}}
- Critical Junctions: {{join ", " .Domain.CriticalJunctions}}

Available Strategies:
{{range $i, $s := .System.AvailableStrategies}}{{inc $i}}. {{$s}} - {{strategyHint $s}}
{{end}}
Respond with exactly this JSON format:
{
  "recommended_strategy": "[ONE_OF_THE_AVAILABLE_STRATEGIES]",
  "confidence": [0.0-1.0],
  "reasoning": "[Brief explanation]",
  "risk_level": "[low|medium|high|critical]"
}
`

var strategyHints = map[core.Strategy]string{
	core.StrategyMonitor:    "Continue monitoring, no intervention",
	core.StrategyReroute:    "Suggest alternate routes to vehicles",
	core.StrategyEmergency:  "Immediate traffic control measures",
	core.StrategyCoordinate: "Alert traffic police/authorities",
}

var promptTemplate = util.MustParseTemplate("situation", promptText, template.FuncMap{
	"strategyHint": func(s core.Strategy) string { return strategyHints[s] },
})

// RenderPrompt renders the user prompt for report.
func RenderPrompt(report SituationReport) (string, error) {
	if len(report.System.AvailableStrategies) == 0 {
		report.System.AvailableStrategies = core.Strategies
	}
	return util.Execute(promptTemplate, report)
}

// ModelOptions configure a ModelAdvisor.
type ModelOptions struct {
	// Instructions is the system prompt.
	Instructions string
	Logger       logging.Logger
}

// ModelAdvisor asks a model.Model for a recommendation.
type ModelAdvisor struct {
	model model.Model
	opts  ModelOptions
}

var _ Advisor = (*ModelAdvisor)(nil)

// NewModelAdvisor creates an advisor backed by m.
func NewModelAdvisor(m model.Model, optFns ...func(o *ModelOptions)) *ModelAdvisor {
	opts := ModelOptions{Instructions: defaultInstructions}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.With(opts.Logger, "component", "advisor")
	return &ModelAdvisor{model: m, opts: opts}
}

// Recommend implements Advisor. Transport failures, timeouts and responses
// that do not contain a valid recommendation are all returned as
// core.AdvisorError.
func (a *ModelAdvisor) Recommend(ctx context.Context, report SituationReport) (Recommendation, error) {
	provider := a.model.Info().Provider
	start := time.Now()

	rec, err := a.recommend(ctx, report)
	logging.AdvisorCall(a.opts.Logger, provider, time.Since(start), err == nil, err)
	if err != nil {
		return Recommendation{}, core.AdvisorError("recommend", err)
	}
	return rec, nil
}

func (a *ModelAdvisor) recommend(ctx context.Context, report SituationReport) (Recommendation, error) {
	prompt, err := RenderPrompt(report)
	if err != nil {
		return Recommendation{}, fmt.Errorf("render prompt: %w", err)
	}
	resp, err := model.Complete(ctx, a.model, model.Prompt(a.opts.Instructions, prompt))
	if err != nil {
		return Recommendation{}, fmt.Errorf("%w: %v", core.ErrAdvisorUnavailable, err)
	}
	return ParseRecommendation(resp.Text)
}
