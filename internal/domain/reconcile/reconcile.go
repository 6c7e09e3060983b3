// Package reconcile matches imaging studies and clinical reports by patient
// identifier.
package reconcile

import "sort"

// ImagingIndex maps a patient id to the SOP instance ids uploaded for it.
type ImagingIndex map[string][]string

// Add appends instanceID under patientID.
func (ix ImagingIndex) Add(patientID, instanceID string) {
	ix[patientID] = append(ix[patientID], instanceID)
}

// ReportIndex maps a patient id to its report text.
type ReportIndex map[string]string

// Side names the collection an unmatched id is missing from.
type Side string

const (
	MissingReport  Side = "report"
	MissingImaging Side = "imaging"
)

// Match is a patient present in both indexes.
type Match struct {
	PatientID   string   `json:"patientId"`
	InstanceIDs []string `json:"instanceIds"`
	Report      string   `json:"report"`
}

// Unmatched is a patient present in only one index.
type Unmatched struct {
	PatientID string `json:"patientId"`
	Missing   Side   `json:"missing"`
}

// Result holds matched ids (intersection) and unmatched ids (symmetric
// difference), both sorted by patient id.
type Result struct {
	Matched   []Match     `json:"matched"`
	Unmatched []Unmatched `json:"unmatched"`
}

// Reconcile pairs the two indexes. It is pure and does no I/O.
func Reconcile(imaging ImagingIndex, reports ReportIndex) Result {
	var res Result

	for id, instances := range imaging {
		report, ok := reports[id]
		if !ok {
			res.Unmatched = append(res.Unmatched, Unmatched{PatientID: id, Missing: MissingReport})
			continue
		}
		res.Matched = append(res.Matched, Match{
			PatientID:   id,
			InstanceIDs: append([]string(nil), instances...),
			Report:      report,
		})
	}
	for id := range reports {
		if _, ok := imaging[id]; !ok {
			res.Unmatched = append(res.Unmatched, Unmatched{PatientID: id, Missing: MissingImaging})
		}
	}

	sort.Slice(res.Matched, func(i, j int) bool { return res.Matched[i].PatientID < res.Matched[j].PatientID })
	sort.Slice(res.Unmatched, func(i, j int) bool { return res.Unmatched[i].PatientID < res.Unmatched[j].PatientID })
	return res
}

// MatchedIDs returns the matched patient ids in order.
func (r Result) MatchedIDs() []string {
	ids := make([]string, len(r.Matched))
	for i, m := range r.Matched {
		ids[i] = m.PatientID
	}
	return ids
}

// UnmatchedIDs returns the unmatched patient ids in order.
func (r Result) UnmatchedIDs() []string {
	ids := make([]string, len(r.Unmatched))
	for i, u := range r.Unmatched {
		ids[i] = u.PatientID
	}
	return ids
}
