package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/RegNumbers/internal/bodyparts"
	"github.com/TobiSchelling/RegNumbers/internal/database"
	"github.com/TobiSchelling/RegNumbers/internal/pipeline"
)

var renderers = map[string]func(io.Writer, *pipeline.Report) error{
	"table": renderTable,
	"csv":   renderCSV,
	"json":  renderJSON,
}

var csvHeader = []string{
	"Report timestamp", "Action", "Accession", "Modality", "Exams",
	"Description", "Case timestamp", "Age", "Exam parts",
}

func renderCSV(w io.Writer, rep *pipeline.Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rep.Rows {
		exams, err := json.Marshal(r.Exams)
		if err != nil {
			return err
		}
		if err := cw.Write([]string{
			r.ReportTimestamp.UTC().Format(time.RFC3339),
			r.Action,
			r.Accession,
			r.Modality,
			string(exams),
			r.Description,
			r.CaseTimestamp.UTC().Format(time.RFC3339),
			formatAge(r.PatientAge),
			strconv.Itoa(r.Parts),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func renderJSON(w io.Writer, rep *pipeline.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func renderTable(w io.Writer, rep *pipeline.Report) error {
	fmt.Fprintf(w, "%s (%s): %s\n\n", rep.User.Name, rep.User.RISCode, periodOf(rep))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REPORTED\tACTION\tACCESSION\tMOD\tDESCRIPTION\tAGE\tPARTS")
	for _, r := range rep.Rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			r.ReportTimestamp.Format("Mon 02/01/06 15:04"),
			r.Action, r.Accession, r.Modality, r.Description, formatAge(r.PatientAge), r.Parts)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODALITY\tEXAMS\tPARTS")
	for _, m := range rep.Summary.ByModality {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", m.Modality, m.Exams, m.Parts)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	actions := make([]string, 0, len(rep.Summary.ByAction))
	for _, a := range []string{"Final", "Prelim", "Overread", "Impression"} {
		if n, ok := rep.Summary.ByAction[a]; ok {
			actions = append(actions, fmt.Sprintf("%s %d", a, n))
		}
	}
	fmt.Fprintf(w, "\n%s (total %d)\n", strings.Join(actions, ", "), rep.Summary.Total)
	return nil
}

func renderUsers(w io.Writer, users []database.User) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RIS\tPACS\tNAME\tPOWERSCRIBE\tACTIVE")
	for _, u := range users {
		account := "-"
		if u.PS360AccountID != nil {
			account = strconv.FormatInt(*u.PS360AccountID, 10)
		}
		active := "no"
		if u.Active {
			active = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", u.RISCode, u.PACSUsername, u.Name, account, active)
	}
	return tw.Flush()
}

func renderVocabulary(w io.Writer, v *bodyparts.Vocabulary) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func formatAge(age *int32) string {
	if age == nil {
		return ""
	}
	return strconv.Itoa(int(*age))
}

func periodOf(rep *pipeline.Report) string {
	from, err1 := time.Parse(pipeline.DateLayout, rep.From)
	to, err2 := time.Parse(pipeline.DateLayout, rep.To)
	if err1 != nil || err2 != nil {
		return rep.From + ".." + rep.To
	}
	return pipeline.FormatPeriodDisplay(from, to)
}
