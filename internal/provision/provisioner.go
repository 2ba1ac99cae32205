package provision

import (
	"context"
	"fmt"
	"log"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/patternservice/patternd/internal/controller"
	"github.com/patternservice/patternd/internal/failure"
	"github.com/patternservice/patternd/internal/models"
)

// ExecuteRoleName is the controller role granted to executors.
const ExecuteRoleName = "JobTemplate Execute"

// Progress messages reported before each step.
const (
	StepProject              = "Creating controller project"
	StepExecutionEnvironment = "Creating execution environment"
	StepLabels               = "Creating controller labels"
	StepJobTemplates         = "Creating job templates"
	StepRoles                = "Assigning execute roles"
)

var tracer = otel.Tracer("github.com/patternservice/patternd/internal/provision")

// Session is the controller surface used by provisioning. A
// controller.Session satisfies it.
type Session interface {
	Get(ctx context.Context, path string, params url.Values) (*controller.Response, error)
	Post(ctx context.Context, path string, body any) (map[string]any, error)
}

// LabelStore records controller labels locally.
type LabelStore interface {
	GetOrCreateControllerLabel(ctx context.Context, labelID int64) (models.ControllerLabel, error)
}

// Provisioner runs the provisioning steps for one instance over one session.
type Provisioner struct {
	Session        Session
	Labels         LabelStore
	ControllerHost string
	Sync           controller.SyncOptions
	// Report is called with a step description before the step runs.
	Report func(ctx context.Context, info string) error
	Logger *log.Logger
}

// Result is what a successful run created on the controller.
type Result struct {
	ProjectID   int64
	EEID        int64
	Labels      []models.ControllerLabel
	Automations []models.Automation
}

// LabelIDs returns the local ids of the result's labels, in order.
func (r Result) LabelIDs() []int64 {
	out := make([]int64, 0, len(r.Labels))
	for _, label := range r.Labels {
		out = append(out, label.ID)
	}
	return out
}

// Provision runs all five steps in order and stops at the first error.
// Controller objects created before a failure are left in place.
func (p *Provisioner) Provision(ctx context.Context, inst models.PatternInstance, pattern models.Pattern) (Result, error) {
	def, err := ParseDefinition(pattern.Definition)
	if err != nil {
		return Result{}, err
	}
	resources, err := def.Resources()
	if err != nil {
		return Result{}, err
	}
	patternName := def.Name()
	if patternName == "" {
		patternName = pattern.PatternName
	}

	var res Result
	if res.ProjectID, err = p.CreateProject(ctx, inst, pattern.CollectionVersionURI, resources.Project); err != nil {
		return Result{}, err
	}
	if res.EEID, err = p.CreateExecutionEnvironment(ctx, inst, resources.ExecutionEnvironment); err != nil {
		return Result{}, err
	}
	if res.Labels, err = p.CreateLabels(ctx, inst, resources.Labels); err != nil {
		return Result{}, err
	}
	if res.Automations, err = p.CreateJobTemplates(ctx, inst, resources.JobTemplates, patternName, res.ProjectID, res.EEID); err != nil {
		return Result{}, err
	}
	if err := p.AssignExecuteRoles(ctx, inst, res.Automations); err != nil {
		return Result{}, err
	}
	return res, nil
}

// CreateProject creates the project and waits for its first sync.
func (p *Provisioner) CreateProject(ctx context.Context, inst models.PatternInstance, scmURL string, project map[string]any) (id int64, err error) {
	ctx, span, err := p.begin(ctx, StepProject, "provision.CreateProject")
	if err != nil {
		return 0, err
	}
	defer func() { finish(span, err) }()

	payload := ProjectPayload(project, inst.OrganizationID, scmURL, inst.Credential("project"))
	p.logger().Printf("provision: instance %d project payload %s", inst.ID, describe(payload))
	id, err = p.create(ctx, "/api/controller/v2/projects/", payload)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int64("controller.project_id", id))
	if err := controller.WaitForProjectSync(ctx, p.Session, id, p.syncOptions()); err != nil {
		return 0, err
	}
	return id, nil
}

// CreateExecutionEnvironment creates the execution environment.
func (p *Provisioner) CreateExecutionEnvironment(ctx context.Context, inst models.PatternInstance, ee map[string]any) (id int64, err error) {
	ctx, span, err := p.begin(ctx, StepExecutionEnvironment, "provision.CreateExecutionEnvironment")
	if err != nil {
		return 0, err
	}
	defer func() { finish(span, err) }()

	payload, err := ExecutionEnvironmentPayload(ee, inst.OrganizationID, p.ControllerHost, inst.Credential("ee"))
	if err != nil {
		return 0, err
	}
	p.logger().Printf("provision: instance %d execution environment payload %s", inst.ID, describe(payload))
	return p.create(ctx, "/api/controller/v2/execution_environments/", payload)
}

// CreateLabels creates each label in order and records it locally. The
// result keeps the definition's order.
func (p *Provisioner) CreateLabels(ctx context.Context, inst models.PatternInstance, names []string) (labels []models.ControllerLabel, err error) {
	ctx, span, err := p.begin(ctx, StepLabels, "provision.CreateLabels")
	if err != nil {
		return nil, err
	}
	defer func() { finish(span, err) }()

	labels = make([]models.ControllerLabel, 0, len(names))
	for _, name := range names {
		labelID, err := p.create(ctx, "/api/controller/v2/labels/", LabelPayload(name, inst.OrganizationID))
		if err != nil {
			return nil, err
		}
		label, err := p.Labels.GetOrCreateControllerLabel(ctx, labelID)
		if err != nil {
			return nil, fmt.Errorf("record label %d: %w", labelID, err)
		}
		labels = append(labels, label)
	}
	return labels, nil
}

// CreateJobTemplates creates each template, then its survey if it has one.
func (p *Provisioner) CreateJobTemplates(ctx context.Context, inst models.PatternInstance, templates []map[string]any, patternName string, projectID, eeID int64) (automations []models.Automation, err error) {
	ctx, span, err := p.begin(ctx, StepJobTemplates, "provision.CreateJobTemplates")
	if err != nil {
		return nil, err
	}
	defer func() { finish(span, err) }()

	automations = make([]models.Automation, 0, len(templates))
	for _, jt := range templates {
		payload, meta, err := JobTemplatePayload(jt, inst.OrganizationID, projectID, eeID, patternName)
		if err != nil {
			return nil, err
		}
		p.logger().Printf("provision: instance %d job template payload %s", inst.ID, describe(payload))
		jtID, err := p.create(ctx, "/api/controller/v2/job_templates/", payload)
		if err != nil {
			return nil, err
		}
		if meta.Survey != nil {
			if _, err := p.Session.Post(ctx, fmt.Sprintf("/api/controller/v2/job_templates/%d/survey_spec/", jtID), meta.Survey); err != nil {
				return nil, err
			}
		}
		automations = append(automations, models.Automation{
			PatternInstanceID: inst.ID,
			Type:              models.AutomationJobTemplate,
			AutomationID:      jtID,
			Primary:           meta.Primary,
		})
	}
	return automations, nil
}

// AssignExecuteRoles grants the execute role on every automation to every
// executor. With no executors it makes no calls. The role is looked up once
// and a failed lookup aborts before any assignment.
func (p *Provisioner) AssignExecuteRoles(ctx context.Context, inst models.PatternInstance, automations []models.Automation) (err error) {
	ctx, span, err := p.begin(ctx, StepRoles, "provision.AssignExecuteRoles")
	if err != nil {
		return err
	}
	defer func() { finish(span, err) }()

	executors, err := models.ParseExecutors(inst.Executors)
	if err != nil {
		return failure.Wrap(failure.KindValidation, "", err)
	}
	if executors.Empty() {
		p.logger().Printf("provision: instance %d has no executors; skipping role assignment", inst.ID)
		return nil
	}
	roleID, err := p.executeRoleID(ctx)
	if err != nil {
		return err
	}
	for _, automation := range automations {
		for _, team := range executors.Teams {
			if _, err := p.Session.Post(ctx, RoleAssignmentPath(AssigneeTeam), RoleAssignmentPayload(AssigneeTeam, automation.AutomationID, roleID, team)); err != nil {
				return err
			}
		}
		for _, user := range executors.Users {
			if _, err := p.Session.Post(ctx, RoleAssignmentPath(AssigneeUser), RoleAssignmentPayload(AssigneeUser, automation.AutomationID, roleID, user)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Provisioner) executeRoleID(ctx context.Context) (int64, error) {
	resp, err := p.Session.Get(ctx, "/api/controller/v2/role_definitions/", url.Values{"name": {ExecuteRoleName}})
	if err != nil {
		return 0, err
	}
	var roles struct {
		Results []struct {
			ID int64 `json:"id"`
		} `json:"results"`
	}
	if err := resp.Decode(&roles); err != nil {
		return 0, failure.Wrap(failure.KindTransport, "", err)
	}
	if len(roles.Results) == 0 || roles.Results[0].ID <= 0 {
		return 0, failure.New(failure.KindValidation, "Could not find 'JobTemplate Execute' role.")
	}
	return roles.Results[0].ID, nil
}

func (p *Provisioner) create(ctx context.Context, path string, payload map[string]any) (int64, error) {
	out, err := p.Session.Post(ctx, path, payload)
	if err != nil {
		return 0, err
	}
	return controller.ResourceID(out)
}

func (p *Provisioner) begin(ctx context.Context, info, spanName string) (context.Context, trace.Span, error) {
	if p.Report != nil {
		if err := p.Report(ctx, info); err != nil {
			return ctx, nil, fmt.Errorf("report %q: %w", info, err)
		}
	}
	ctx, span := tracer.Start(ctx, spanName)
	return ctx, span, nil
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("failure.kind", string(failure.KindOf(err))))
	}
	span.End()
}

func (p *Provisioner) syncOptions() controller.SyncOptions {
	opts := p.Sync
	if opts.Logger == nil {
		opts.Logger = p.Logger
	}
	return opts
}

func (p *Provisioner) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}
