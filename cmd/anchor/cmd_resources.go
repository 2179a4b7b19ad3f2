package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/anchor/internal/plugin/aws"
	"github.com/yairfalse/anchor/pkg/resource"
)

var (
	applyFile    string
	getOutput    string
	getHistory   bool
	deleteOutput string
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or replace resources from a manifest",
	Long: `Create or replace resources from a YAML or JSON manifest. A file may hold
several YAML documents separated by ---.

Security groups without metadata.name are named
ec2.SecurityGroup:<account>:<region>:<name>.`,
	Example: `  anchor apply -f sg.yaml      # Apply a manifest
  cat sg.yaml | anchor apply -f -  # Read from stdin`,
	Args: cobra.NoArgs,
	RunE: runApply,
}

var getCmd = &cobra.Command{
	Use:   "get [NAME]",
	Short: "Show stored resources",
	Example: `  anchor get                    # List all resources
  anchor get my-sg -o yaml      # Show one resource as YAML
  anchor get my-sg --history    # Show its revisions`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGet,
}

var deleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a resource and its infrastructure",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(applyCmd, getCmd, deleteCmd)

	applyCmd.Flags().StringVarP(&applyFile, "file", "f", "", "Manifest to apply, - for stdin")
	_ = applyCmd.MarkFlagRequired("file")

	getCmd.Flags().StringVarP(&getOutput, "output", "o", "table", "Output format: table, json, yaml")
	getCmd.Flags().BoolVar(&getHistory, "history", false, "Show the revision history of NAME")

	deleteCmd.Flags().StringVarP(&deleteOutput, "output", "o", "", "Print the deleted resource: json, yaml")
}

func runApply(cmd *cobra.Command, _ []string) error {
	data, err := readManifest(cmd.InOrStdin(), applyFile)
	if err != nil {
		return err
	}
	resources, err := parseManifest(data)
	if err != nil {
		return err
	}

	client := newAPIClient(serverURL)
	out := cmd.OutOrStdout()
	for _, r := range resources {
		stored, created, err := client.Put(cmd.Context(), r)
		if err != nil {
			return fmt.Errorf("apply %s: %w", r.Name(), err)
		}
		verb := "configured"
		if created {
			verb = "created"
		}
		fmt.Fprintf(out, "%s %s (version %d)\n", stored.Name(), verb, stored.Metadata.ResourceVersion)
	}
	return nil
}

func readManifest(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return data, nil
}

// parseManifest splits a YAML stream into resources. JSON is valid YAML, so
// a single JSON document works too.
func parseManifest(data []byte) ([]resource.Resource, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var out []resource.Resource
	for i := 0; ; i++ {
		var doc map[string]any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		if doc == nil {
			continue
		}

		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		var r resource.Resource
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		if err := defaultName(&r); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		if r.APIVersion == "" {
			r.APIVersion = resource.APIVersion
		}
		if err := resource.Validate(r); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		out = append(out, r)
	}

	if len(out) == 0 {
		return nil, errors.New("manifest contains no resources")
	}
	return out, nil
}

func defaultName(r *resource.Resource) error {
	if r.Metadata.Name != "" || r.Kind != aws.SecurityGroupKind {
		return nil
	}
	var sg aws.SecurityGroup
	if err := r.DecodeSpec(&sg); err != nil {
		return err
	}
	if sg.AccountName == "" || sg.Region == "" || sg.Name == "" {
		return errors.New("metadata.name is required unless spec names accountName, region and name")
	}
	r.Metadata.Name = aws.SecurityGroupName(sg)
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	client := newAPIClient(serverURL)
	out := cmd.OutOrStdout()

	if getHistory {
		if len(args) == 0 {
			return errors.New("--history requires a resource name")
		}
		revs, err := client.History(cmd.Context(), resource.Name(args[0]))
		if err != nil {
			return err
		}
		if getOutput != "table" {
			return printEncoded(out, revs, getOutput)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "REVISION\tDELETED\tTIMESTAMP")
		for _, rev := range revs {
			fmt.Fprintf(tw, "%d\t%t\t%s\n", rev.Revision, rev.Deleted, rev.Timestamp.Format(time.RFC3339))
		}
		return tw.Flush()
	}

	var list []resource.Resource
	if len(args) == 1 {
		r, err := client.Get(cmd.Context(), resource.Name(args[0]))
		if err != nil {
			return fmt.Errorf("get %s: %w", args[0], err)
		}
		if getOutput != "table" {
			return printEncoded(out, r, getOutput)
		}
		list = []resource.Resource{r}
	} else {
		all, err := client.List(cmd.Context())
		if err != nil {
			return err
		}
		if getOutput != "table" {
			return printEncoded(out, all, getOutput)
		}
		list = all
	}

	printTable(out, list)
	return nil
}

func printTable(w io.Writer, list []resource.Resource) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tVERSION")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", r.Name(), r.Kind, r.Metadata.ResourceVersion)
	}
	_ = tw.Flush()
}

func printEncoded(w io.Writer, v any, format string) error {
	switch format {
	case "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	data, err := resource.Encode(v, format == "yaml")
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if format == "json" {
		_, err = fmt.Fprintln(w)
	}
	return err
}

func runDelete(cmd *cobra.Command, args []string) error {
	client := newAPIClient(serverURL)
	r, err := client.Delete(cmd.Context(), resource.Name(args[0]))
	if err != nil {
		return fmt.Errorf("delete %s: %w", args[0], err)
	}
	if deleteOutput != "" {
		return printEncoded(cmd.OutOrStdout(), r, deleteOutput)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s deleted\n", r.Name())
	return nil
}
