package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ehr/normalizer/internal/domain/graph"
	"github.com/ehr/normalizer/internal/domain/mapping"
	"github.com/ehr/normalizer/internal/domain/ontology"
	"github.com/ehr/normalizer/internal/export/omop"
	"github.com/ehr/normalizer/internal/ingest"
	"github.com/ehr/normalizer/internal/ingest/fhir"
	"github.com/ehr/normalizer/internal/ingest/hl7v2"
	"github.com/ehr/normalizer/internal/pipeline"
)

func processCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process <files...>",
		Short: "Extract, map and store facts for clinical notes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, _ := cmd.Flags().GetString("patient")
			noteType, _ := cmd.Flags().GetString("note-type")
			withGraph, _ := cmd.Flags().GetBool("graph")
			asJSON, _ := cmd.Flags().GetBool("json")

			docs, err := readDocuments(cmd.InOrStdin(), args, patientID, noteType)
			if err != nil {
				return err
			}
			a, err := startApp(cmd, appOptions{graph: withGraph})
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.pipeline.ProcessBatch(cmd.Context(), docs)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printBatch(cmd, res)
			return nil
		},
	}
	cmd.Flags().String("patient", "", "Patient identifier for every note (required)")
	cmd.Flags().String("note-type", "", "Note type, e.g. discharge_summary or progress_note")
	cmd.Flags().Bool("graph", false, "Rebuild the patient graph after storing facts")
	cmd.Flags().Bool("json", false, "Print the full result as JSON")
	_ = cmd.MarkFlagRequired("patient")
	return cmd
}

func printBatch(cmd *cobra.Command, res *pipeline.BatchResult) {
	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintln(tw, "MENTION\tASSERTION\tTEMPORALITY\tEXPERIENCER\tCONCEPT\tSCORE")
	for _, dr := range res.Documents {
		if dr == nil {
			continue
		}
		for _, rec := range dr.Mentions {
			concept, score := "-", ""
			if len(rec.Candidates) > 0 {
				best := rec.Candidates[0]
				concept = fmt.Sprintf("%d %s", best.ConceptID, best.ConceptName)
				score = fmt.Sprintf("%.2f", best.Score)
			}
			m := rec.Mention
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", m.Text, m.Assertion, m.Temporality, m.Experiencer, concept, score)
		}
	}
	tw.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "\nfacts: %d created, %d merged, %d unmapped; %d skipped, %d errors\n",
		res.Created, res.Updated, res.Unmapped, res.Skipped, res.Errors)
	for _, f := range res.Failures {
		fmt.Fprintf(cmd.ErrOrStderr(), "failed %s: %s\n", f.DocumentID, f.Error)
	}
}

func mapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "map <term>",
		Short: "Rank vocabulary concepts for a term",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			domainFlag, _ := cmd.Flags().GetString("domain")
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := startApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			var domain ontology.Domain
			if domainFlag != "" {
				domain = ontology.ParseDomain(domainFlag)
			}
			cands, err := a.mapper.Map(cmd.Context(), strings.Join(args, " "), domain, limit)
			if err != nil {
				return err
			}
			printCandidates(cmd, cands)
			return nil
		},
	}
	cmd.Flags().String("domain", "", "Restrict candidates to a domain (Condition, Drug, Measurement, ...)")
	cmd.Flags().Int("limit", 0, "Maximum candidates (default MAPPER_LIMIT)")
	return cmd
}

func printCandidates(cmd *cobra.Command, cands []mapping.Candidate) {
	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintln(tw, "RANK\tCONCEPT_ID\tNAME\tVOCABULARY\tCODE\tDOMAIN\tSCORE\tMETHOD")
	for _, c := range cands {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%.3f\t%s\n",
			c.Rank, c.ConceptID, c.ConceptName, c.VocabularyID, c.ConceptCode, c.Domain, c.Score, c.Method)
	}
	tw.Flush()
}

func graphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Build or show patient knowledge graphs",
	}

	buildCmd := &cobra.Command{
		Use:   "build <patient>",
		Short: "Project a patient's stored facts into the graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := startApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.pipeline.BuildGraph(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := mirrorGraph(cmd, a, args[0]); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <patient>",
		Short: "Print a patient's stored graph as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := startApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			g, err := a.pipeline.PatientGraph(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := mirrorGraph(cmd, a, args[0]); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), g)
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge <patient>",
		Short: "Delete a patient's graph, facts and evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := startApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.pipeline.PurgePatient(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	for _, c := range []*cobra.Command{buildCmd, showCmd} {
		c.Flags().Bool("neo4j", false, "Also mirror the graph into Neo4j (NEO4J_URI)")
		cmd.AddCommand(c)
	}
	cmd.AddCommand(purgeCmd)
	return cmd
}

// mirrorGraph projects the patient's stored graph into Neo4j when --neo4j is set.
func mirrorGraph(cmd *cobra.Command, a *app, patientID string) error {
	if on, _ := cmd.Flags().GetBool("neo4j"); !on {
		return nil
	}
	if !a.cfg.Neo4jEnabled() {
		return fmt.Errorf("--neo4j requires NEO4J_URI")
	}
	ctx := cmd.Context()
	g, err := a.pipeline.PatientGraph(ctx, patientID)
	if err != nil {
		return err
	}
	proj, err := graph.NewNeo4jProjector(ctx, a.neo4jConfig(), a.logger)
	if err != nil {
		return err
	}
	defer proj.Close(ctx)
	return proj.Project(ctx, g)
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export processed notes",
	}

	omopCmd := &cobra.Command{
		Use:   "omop <files...>",
		Short: "Process notes and write OMOP note.csv and note_nlp.csv",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, _ := cmd.Flags().GetString("patient")
			noteType, _ := cmd.Flags().GetString("note-type")
			outDir, _ := cmd.Flags().GetString("out-dir")

			docs, err := readDocuments(cmd.InOrStdin(), args, patientID, noteType)
			if err != nil {
				return err
			}
			a, err := startApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.pipeline.ProcessBatch(cmd.Context(), docs)
			if err != nil {
				return err
			}

			var (
				notes []omop.NoteRow
				nlp   []omop.NoteNLPRow
			)
			for i, dr := range res.Documents {
				if dr == nil {
					continue
				}
				ex := omop.ExportDocument(docs[i], dr.Mentions)
				notes = append(notes, ex.Note)
				nlp = append(nlp, ex.NLP...)
			}
			if err := writeOMOP(outDir, notes, nlp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d notes and %d note_nlp rows to %s\n", len(notes), len(nlp), outDir)
			return nil
		},
	}
	omopCmd.Flags().String("patient", "", "Patient identifier for every note (required)")
	omopCmd.Flags().String("note-type", "", "Note type, e.g. discharge_summary")
	omopCmd.Flags().String("out-dir", ".", "Directory for note.csv and note_nlp.csv")
	_ = omopCmd.MarkFlagRequired("patient")
	cmd.AddCommand(omopCmd)
	return cmd
}

func writeOMOP(dir string, notes []omop.NoteRow, nlp []omop.NoteNLPRow) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := omop.WriteNoteCSV(&buf, notes); err != nil {
		return fmt.Errorf("write note.csv: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "note.csv"), buf.Bytes(), 0o644); err != nil {
		return err
	}
	buf.Reset()
	if err := omop.WriteNoteNLPCSV(&buf, nlp); err != nil {
		return fmt.Errorf("write note_nlp.csv: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "note_nlp.csv"), buf.Bytes(), 0o644)
}

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load structured records as patient facts",
	}

	hl7Cmd := &cobra.Command{
		Use:   "hl7v2 <files...>",
		Short: "Load DG1, OBX, AL1 and PR1 segments from HL7 v2 messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var records []ingest.Record
			for _, p := range args {
				data, err := os.ReadFile(p)
				if err != nil {
					return err
				}
				recs, errs := hl7v2.Decode(data)
				for _, err := range errs {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", p, err)
				}
				records = append(records, recs...)
			}
			return loadRecords(cmd, records)
		},
	}

	fhirCmd := &cobra.Command{
		Use:   "fhir <files...>",
		Short: "Load FHIR R4 bundles or resources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var records []ingest.Record
			for _, p := range args {
				f, err := os.Open(p)
				if err != nil {
					return err
				}
				recs, err := fhir.Read(f)
				f.Close()
				if err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
				records = append(records, recs...)
			}
			return loadRecords(cmd, records)
		},
	}

	for _, c := range []*cobra.Command{hl7Cmd, fhirCmd} {
		c.Flags().Bool("graph", false, "Rebuild the graph of every touched patient")
		cmd.AddCommand(c)
	}
	return cmd
}

func loadRecords(cmd *cobra.Command, records []ingest.Record) error {
	withGraph, _ := cmd.Flags().GetBool("graph")
	a, err := startApp(cmd, appOptions{graph: withGraph})
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.pipeline.LoadRecords(cmd.Context(), a.loader, records)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func vocabCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vocab",
		Short: "Inspect and index the vocabulary",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print vocabulary index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := startApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			idx, err := a.holder.Index()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), idx.Stats())
		},
	})

	embedCmd := &cobra.Command{
		Use:   "embed",
		Short: "Precompute concept embeddings into pgvector",
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, _ := cmd.Flags().GetInt("batch")
			a, err := startApp(cmd, appOptions{database: true})
			if err != nil {
				return err
			}
			defer a.close()

			idx, err := a.holder.Index()
			if err != nil {
				return err
			}
			store := mapping.NewVectorStore(a.pool, a.embedder, a.cfg.SemanticThreshold, a.logger)
			n, err := store.Index(cmd.Context(), idx, batch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "embedded %d surface forms with %s\n", n, a.embedder.Model())
			return nil
		},
	}
	embedCmd.Flags().Int("batch", 128, "Texts per embedding request")
	cmd.AddCommand(embedCmd)
	return cmd
}
