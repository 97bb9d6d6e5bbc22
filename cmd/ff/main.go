package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"formflow/internal/app"
	"formflow/internal/audit"
	"formflow/internal/config"
	"formflow/internal/db"
	"formflow/internal/domain"
	"formflow/internal/engine"
	"formflow/internal/migrate"
	"formflow/internal/repo"
	"formflow/internal/server"
	"formflow/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "ff",
	Short: "Formflow CLI",
	Long: `Formflow routes institutional requests through multi-step approval chains.
Core concepts:
- Workspace: your .formflow directory holding the database and attachment store; formflow.yml beside it holds the role catalog and notification templates.
- Forms: declared field schemas with audience targeting (students/employees, colleges, departments); submissions are validated against the schema.
- Workflows: ordered approval steps, each bound to exactly one role or one user; the last step is final.
- Request types: bind a form to its workflow; a type without a workflow leaves requests pending.
- Requests: submitted forms flowing pending -> in_progress -> approved/rejected, or returned for changes and resubmitted.
- Delegations: time-bounded authority records kept for the registry.
- Audit log: every transition and admin change, view with 'ff audit tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FORMFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(formCmd())
	rootCmd.AddCommand(requestTypeCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(delegationCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "formflow.yml holds the organization name, role catalog, notification templates, and the approval document template. Roles are synced into the database on every command.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var orgName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default formflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(orgName)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgName, "org", "Formflow", "organization name")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

// --- org ---

func orgCmd() *cobra.Command {
	org := &cobra.Command{
		Use:   "org",
		Short: "Manage the organizational tree",
		Long:  "Colleges contain departments; users belong to a role and optionally a department. A college dean is set explicitly and anchors college-level scoping.",
	}
	org.AddCommand(collegeCmd())
	org.AddCommand(departmentCmd())
	org.AddCommand(userCmd())
	org.AddCommand(roleListCmd())
	return org
}

func collegeCmd() *cobra.Command {
	col := &cobra.Command{Use: "college", Short: "Manage colleges"}
	var id, name, dean string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create college",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c := domain.College{ID: id, Name: name, CreatedAt: time.Now().UTC().Format(time.RFC3339)}
				if c.ID == "" {
					c.ID = uuid.NewString()
				}
				if err := r.InsertCollege(ctx, c); err != nil {
					return err
				}
				if dean != "" {
					if err := r.SetCollegeDean(ctx, c.ID, dean); err != nil {
						return err
					}
				}
				got, err := r.GetCollege(ctx, c.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(got)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "college id (generated if omitted)")
	create.Flags().StringVar(&name, "name", "", "college name")
	create.Flags().StringVar(&dean, "dean", "", "dean user id")
	_ = create.MarkFlagRequired("name")

	var setDeanUser string
	setDean := &cobra.Command{
		Use:   "set-dean <college-id>",
		Short: "Set college dean",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.SetCollegeDean(ctx, args[0], setDeanUser); err != nil {
					return err
				}
				got, err := r.GetCollege(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(got)
			})
		},
	}
	setDean.Flags().StringVar(&setDeanUser, "user", "", "dean user id")
	_ = setDean.MarkFlagRequired("user")

	list := &cobra.Command{
		Use:   "list",
		Short: "List colleges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListColleges(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Dean"})
				for _, c := range items {
					dean := ""
					if c.DeanUserID != nil {
						dean = *c.DeanUserID
					}
					tw.AppendRow(table.Row{c.ID, c.Name, dean})
				}
				tw.Render()
				return nil
			})
		},
	}
	col.AddCommand(create, setDean, list)
	return col
}

func departmentCmd() *cobra.Command {
	dep := &cobra.Command{Use: "department", Short: "Manage departments"}
	var id, name, college string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create department",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d := domain.Department{ID: id, Name: name, CreatedAt: time.Now().UTC().Format(time.RFC3339)}
				if d.ID == "" {
					d.ID = uuid.NewString()
				}
				if college != "" {
					d.CollegeID = &college
				}
				if err := r.InsertDepartment(ctx, d); err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "department id (generated if omitted)")
	create.Flags().StringVar(&name, "name", "", "department name")
	create.Flags().StringVar(&college, "college", "", "college id")
	_ = create.MarkFlagRequired("name")

	var listCollege string
	list := &cobra.Command{
		Use:   "list",
		Short: "List departments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDepartments(ctx, listCollege)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "College"})
				for _, d := range items {
					college := ""
					if d.CollegeID != nil {
						college = *d.CollegeID
					}
					tw.AppendRow(table.Row{d.ID, d.Name, college})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listCollege, "college", "", "college filter")
	dep.AddCommand(create, list)
	return dep
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	var u domain.User
	var department string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if u.ID == "" {
					u.ID = uuid.NewString()
				}
				if department != "" {
					u.DepartmentID = &department
				}
				u.Active = true
				u.CreatedAt = time.Now().UTC().Format(time.RFC3339)
				if err := r.InsertUser(ctx, u); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	create.Flags().StringVar(&u.ID, "id", "", "user id (generated if omitted)")
	create.Flags().StringVar(&u.Name, "name", "", "full name")
	create.Flags().StringVar(&u.Email, "email", "", "email")
	create.Flags().StringVar(&u.RoleID, "role", "", "role id")
	create.Flags().StringVar(&department, "department", "", "department id")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("role")

	var f repo.UserFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List users visible to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ScopeFor(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				items, err := e.Repo.ListUsers(ctx, s, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Department", "Active"})
				for _, u := range items {
					dept := ""
					if u.DepartmentID != nil {
						dept = *u.DepartmentID
					}
					tw.AppendRow(table.Row{u.ID, u.Name, u.RoleID, dept, u.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.RoleID, "role", "", "role filter")
	list.Flags().StringVar(&f.DepartmentID, "department", "", "department filter")
	list.Flags().BoolVar(&f.ActiveOnly, "active", false, "active users only")
	usr.AddCommand(create, list)
	return usr
}

func roleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "List roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRoles(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Category", "Scope", "Permissions"})
				for _, role := range items {
					tw.AppendRow(table.Row{role.ID, role.Name, role.Category, role.ScopeLevel, strings.Join(role.Permissions, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

// --- workflow ---

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Manage approval workflows",
		Long:  "A workflow is an ordered chain of steps, each bound to exactly one role or one user. The last step must be marked final. Steps of a workflow with live requests cannot be replaced.",
	}
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowReplaceStepsCmd())
	wf.AddCommand(workflowSetActiveCmd())
	return wf
}

func parseSteps(stepsJSON string) ([]domain.WorkflowStep, error) {
	var steps []domain.WorkflowStep
	if err := json.Unmarshal([]byte(stepsJSON), &steps); err != nil {
		return nil, fmt.Errorf("invalid steps JSON: %w", err)
	}
	return steps, nil
}

func workflowCreateCmd() *cobra.Command {
	var name, stepsJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create workflow",
		Long:  `Steps are given as JSON, e.g. '[{"order":1,"approver":{"kind":"role","id":"supervisor"}},{"order":2,"approver":{"kind":"role","id":"dean"},"is_final":true}]'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := parseSteps(stepsJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkflow(ctx, viper.GetString("actor-id"), name, steps)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "workflow name")
	cmd.Flags().StringVar(&stepsJSON, "steps-json", "", "steps as a JSON array")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("steps-json")
	return cmd
}

func workflowListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkflows(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Active", "Steps"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Name, w.Active, len(w.Steps)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show workflow with steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				w, err := r.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func workflowReplaceStepsCmd() *cobra.Command {
	var stepsJSON string
	cmd := &cobra.Command{
		Use:   "replace-steps <id>",
		Short: "Replace workflow steps (refused while requests are live)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := parseSteps(stepsJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.ReplaceWorkflowSteps(ctx, viper.GetString("actor-id"), args[0], steps)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&stepsJSON, "steps-json", "", "steps as a JSON array")
	_ = cmd.MarkFlagRequired("steps-json")
	return cmd
}

func workflowSetActiveCmd() *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "set-active <id>",
		Short: "Activate or deactivate a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.SetWorkflowActive(ctx, args[0], active); err != nil {
					return err
				}
				w, err := r.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", true, "active flag")
	return cmd
}

// --- form ---

func formCmd() *cobra.Command {
	form := &cobra.Command{
		Use:   "form",
		Short: "Manage form templates",
		Long:  "A form declares its fields (text, number, date, choice) and an audience: student/employee flags plus optional college and department lists. Submissions are validated against the declared fields.",
	}
	form.AddCommand(formCreateCmd())
	form.AddCommand(formListCmd())
	form.AddCommand(formShowCmd())
	form.AddCommand(formSetActiveCmd())
	return form
}

func formCreateCmd() *cobra.Command {
	var name, fieldsJSON, audienceJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create form template",
		Long:  `Fields are given as JSON, e.g. '[{"name":"reason","type":"text","required":true},{"name":"days","type":"number"}]'. Audience (optional) e.g. '{"students":true,"college_ids":["col-eng"]}'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var f domain.FormTemplate
			f.Name = name
			if err := json.Unmarshal([]byte(fieldsJSON), &f.Fields); err != nil {
				return fmt.Errorf("invalid fields JSON: %w", err)
			}
			if audienceJSON != "" {
				if err := json.Unmarshal([]byte(audienceJSON), &f.Audience); err != nil {
					return fmt.Errorf("invalid audience JSON: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateForm(ctx, viper.GetString("actor-id"), f)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "form name")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "field schema as a JSON array")
	cmd.Flags().StringVar(&audienceJSON, "audience-json", "", "audience config as JSON")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("fields-json")
	return cmd
}

func formListCmd() *cobra.Command {
	var visible bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List forms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var items []domain.FormTemplate
				var err error
				if visible {
					items, err = e.VisibleForms(ctx, viper.GetString("actor-id"))
				} else {
					items, err = e.Repo.ListForms(ctx, false)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Fields", "Active"})
				for _, f := range items {
					tw.AppendRow(table.Row{f.ID, f.Name, len(f.Fields), f.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&visible, "visible", false, "only forms the actor's audience can see")
	return cmd
}

func formShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show form template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f, err := r.GetForm(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	return cmd
}

func formSetActiveCmd() *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "set-active <id>",
		Short: "Activate or deactivate a form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.SetFormActive(ctx, args[0], active); err != nil {
					return err
				}
				f, err := r.GetForm(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", true, "active flag")
	return cmd
}

// --- request type ---

func requestTypeCmd() *cobra.Command {
	rt := &cobra.Command{Use: "request-type", Short: "Bind forms to workflows"}
	var name, formID, workflowID string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create request type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t := domain.RequestType{Name: name, FormID: formID}
				if workflowID != "" {
					t.WorkflowID = &workflowID
				}
				created, err := e.CreateRequestType(ctx, viper.GetString("actor-id"), t)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "request type name")
	create.Flags().StringVar(&formID, "form", "", "form id")
	create.Flags().StringVar(&workflowID, "workflow", "", "workflow id (optional; omit to leave requests pending)")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("form")

	list := &cobra.Command{
		Use:   "list",
		Short: "List request types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRequestTypes(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Form", "Workflow"})
				for _, t := range items {
					wf := ""
					if t.WorkflowID != nil {
						wf = *t.WorkflowID
					}
					tw.AppendRow(table.Row{t.ID, t.Name, t.FormID, wf})
				}
				tw.Render()
				return nil
			})
		},
	}
	rt.AddCommand(create, list)
	return rt
}

// --- request ---

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Submit and act on requests",
		Long:  "Requests flow pending -> in_progress -> approved/rejected. A step approver can approve, reject, or return the request for changes; a returned request is resubmitted by its requester and resumes at the same step.",
	}
	req.AddCommand(requestSubmitCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestMineCmd())
	req.AddCommand(requestInboxCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestActCmd())
	req.AddCommand(requestResubmitCmd())
	req.AddCommand(requestTrailCmd())
	return req
}

func parseFields(fieldsJSON string) (map[string]any, error) {
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, fmt.Errorf("invalid fields JSON: %w", err)
	}
	return fields, nil
}

func requestSubmitCmd() *cobra.Command {
	var typeID, fieldsJSON string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(fieldsJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Submit(ctx, engine.SubmitOptions{
					RequesterID:   viper.GetString("actor-id"),
					RequestTypeID: typeID,
					Fields:        fields,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&typeID, "type", "", "request type id")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "submission fields as JSON")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("fields-json")
	return cmd
}

func renderRequests(items []domain.Request) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Reference", "Status", "Requester", "Type", "Updated"})
	for _, r := range items {
		tw.AppendRow(table.Row{r.ReferenceNo, r.Status, r.RequesterID, r.RequestTypeID, r.UpdatedAt})
	}
	tw.Render()
	return nil
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests within the actor's scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRequests(ctx, viper.GetString("actor-id"), f)
				if err != nil {
					return err
				}
				return renderRequests(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.RequestTypeID, "type", "", "request type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func requestMineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "List the actor's own requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.MyRequests(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return renderRequests(items)
			})
		},
	}
	return cmd
}

func requestInboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List requests awaiting the actor's approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Inbox(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return renderRequests(items)
			})
		},
	}
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.GetRequest(ctx, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	return cmd
}

func requestActCmd() *cobra.Command {
	var action, comment, attachmentPath string
	cmd := &cobra.Command{
		Use:   "act <id>",
		Short: "Act on a request as the current step approver",
		Long:  "Actions: approve, reject, approve_with_changes, reject_with_changes. Reject and the *_with_changes actions require a comment. An attachment file is stored and referenced from the comment.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ActOptions{
				RequestID: args[0],
				ActorID:   viper.GetString("actor-id"),
				Action:    action,
				Comment:   comment,
			}
			if attachmentPath != "" {
				data, err := os.ReadFile(attachmentPath)
				if err != nil {
					return err
				}
				opts.Attachment = &engine.Attachment{Name: filepath.Base(attachmentPath), Data: data}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Act(ctx, opts)
				if err != nil {
					return err
				}
				if res.Notice != "" && !viper.GetBool("json") {
					fmt.Fprintln(os.Stderr, "notice:", res.Notice)
				}
				return printJSONOrTable(res.Request)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "approve, reject, approve_with_changes, reject_with_changes")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	cmd.Flags().StringVar(&attachmentPath, "attachment", "", "attachment file path")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func requestResubmitCmd() *cobra.Command {
	var fieldsJSON string
	cmd := &cobra.Command{
		Use:   "resubmit <id>",
		Short: "Resubmit a returned request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(fieldsJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Resubmit(ctx, engine.ResubmitOptions{
					RequestID: args[0],
					ActorID:   viper.GetString("actor-id"),
					Fields:    fields,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "revised submission fields as JSON")
	_ = cmd.MarkFlagRequired("fields-json")
	return cmd
}

func requestTrailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trail <id>",
		Short: "Show the approval trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.RequestTrail(ctx, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Actor", "Action", "Comment"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.CreatedAt, a.ActorID, a.Action, a.Comment})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

// --- delegation ---

func delegationCmd() *cobra.Command {
	del := &cobra.Command{
		Use:   "delegation",
		Short: "Manage the delegation registry",
		Long:  "Delegations record time-bounded authority transfers between users. They are registry entries only; step authorization does not consult them.",
	}
	del.AddCommand(delegationGrantCmd())
	del.AddCommand(delegationListCmd())
	del.AddCommand(delegationUpdateCmd())
	del.AddCommand(delegationRevokeCmd())
	return del
}

func delegationGrantCmd() *cobra.Command {
	var grantee, startsAt, endsAt string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a delegation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GrantDelegation(ctx, engine.DelegationOptions{
					GrantorID: viper.GetString("actor-id"),
					GranteeID: grantee,
					StartsAt:  startsAt,
					EndsAt:    endsAt,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&grantee, "grantee", "", "grantee user id")
	cmd.Flags().StringVar(&startsAt, "starts-at", "", "window start (RFC 3339)")
	cmd.Flags().StringVar(&endsAt, "ends-at", "", "window end (RFC 3339)")
	_ = cmd.MarkFlagRequired("grantee")
	_ = cmd.MarkFlagRequired("starts-at")
	_ = cmd.MarkFlagRequired("ends-at")
	return cmd
}

func delegationListCmd() *cobra.Command {
	var f repo.DelegationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List delegations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDelegations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Grantor", "Grantee", "Starts", "Ends", "Active"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.GrantorID, d.GranteeID, d.StartsAt, d.EndsAt, d.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.GrantorID, "grantor", "", "grantor filter")
	cmd.Flags().StringVar(&f.GranteeID, "grantee", "", "grantee filter")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "active delegations only")
	return cmd
}

func delegationUpdateCmd() *cobra.Command {
	var startsAt, endsAt string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Shift a delegation window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.UpdateDelegationWindow(ctx, viper.GetString("actor-id"), args[0], startsAt, endsAt)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&startsAt, "starts-at", "", "window start (RFC 3339)")
	cmd.Flags().StringVar(&endsAt, "ends-at", "", "window end (RFC 3339)")
	_ = cmd.MarkFlagRequired("starts-at")
	_ = cmd.MarkFlagRequired("ends-at")
	return cmd
}

func delegationRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a delegation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeDelegation(ctx, viper.GetString("actor-id"), args[0])
			})
		},
	}
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Audit log"}
	var f audit.Filters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit entries within the actor's scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.AuditTrail(ctx, viper.GetString("actor-id"), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Actor", "Action", "Entity", "ID"})
				for _, entry := range items {
					tw.AppendRow(table.Row{entry.TS, entry.ActorID, entry.Action, entry.EntityType, entry.EntityID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().StringVar(&f.Action, "action", "", "action filter")
	tail.Flags().StringVar(&f.EntityType, "entity-type", "", "entity type filter")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	tail.Flags().IntVar(&f.Limit, "n", 20, "number of entries")
	a.AddCommand(tail)
	return a
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once, stored hashed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := make([]byte, 32)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "ffk_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:      uuid.NewString(),
					UserID:  userID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "user_id": key.UserID, "key": secret})
				}
				fmt.Printf("API key %s created for %s\n%s\n", key.ID, key.UserID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "user the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	_ = create.MarkFlagRequired("user")

	var listUser string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, listUser)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listUser, "user", "", "user filter")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	ak.AddCommand(create, list, del)
	return ak
}

// --- db ---

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Database maintenance"}
	d.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				fmt.Println("migrations applied")
				return nil
			})
		},
	})
	d.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the database path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(db.Path(viper.GetString("workspace")))
			return nil
		},
	})
	return d
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.Bootstrap(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			log := newLogger(zerolog.InfoLevel)
			e := engine.New(conn, cfg, log)
			e.Attachments = storage.New(storeURL(workspace))
			secret := os.Getenv("FORMFLOW_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("FORMFLOW_JWT_SECRET is required for bearer auth")
			}
			authCfg := server.AuthConfig{JWTSecret: secret, AllowLegacyUserHeader: allowLegacy, Logger: log}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Formflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-user-header", false, "accept X-User-Id without a token (dev only)")
	return cmd
}

// --- helpers ---

func newLogger(level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)
}

func storeURL(workspace string) string {
	abs, err := filepath.Abs(filepath.Join(workspace, ".formflow", "store"))
	if err != nil {
		abs = filepath.Join(workspace, ".formflow", "store")
	}
	return "file://" + abs
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.Bootstrap(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, newLogger(zerolog.WarnLevel))
	e.Attachments = storage.New(storeURL(workspace))
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
