package normalizer

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// rawRecord covers both shapes seen in the CVE List V5 feed: full records
// (cveMetadata + containers.cna) and metadata-only entries. Delta-log entries
// carry the metadata fields at the top level.
type rawRecord struct {
	DataType    string         `json:"dataType"`
	DataVersion string         `json:"dataVersion"`
	CveMetadata *rawMetadata   `json:"cveMetadata"`
	Containers  *rawContainers `json:"containers"`

	CveID         string  `json:"cveId"`
	DatePublished *string `json:"datePublished"`
	DateUpdated   *string `json:"dateUpdated"`
	CveOrgLink    string  `json:"cveOrgLink"`
	GithubLink    string  `json:"githubLink"`
}

type rawMetadata struct {
	CveID         string  `json:"cveId"`
	State         string  `json:"state"`
	DatePublished *string `json:"datePublished"`
	DateUpdated   *string `json:"dateUpdated"`
	CveOrgLink    string  `json:"cveOrgLink"`
	GithubLink    string  `json:"githubLink"`
}

type rawContainers struct {
	CNA *rawCNA `json:"cna"`
}

type rawCNA struct {
	Descriptions []rawDescription `json:"descriptions"`
	Metrics      []rawMetric      `json:"metrics"`
	References   []rawReference   `json:"references"`
	Affected     json.RawMessage  `json:"affected"`
	ProblemTypes []rawProblemType `json:"problemTypes"`
}

type rawDescription struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type rawMetric struct {
	Format  string   `json:"format"`
	CvssV31 *rawCVSS `json:"cvssV3_1"`
}

type rawCVSS struct {
	Version      string     `json:"version"`
	BaseScore    *flexFloat `json:"baseScore"`
	VectorString string     `json:"vectorString"`
	BaseSeverity string     `json:"baseSeverity"`
}

type rawReference struct {
	URL  string   `json:"url"`
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

type rawProblemType struct {
	Descriptions []rawProblemTypeDescription `json:"descriptions"`
}

type rawProblemTypeDescription struct {
	Lang        string `json:"lang"`
	Description string `json:"description"`
	CweID       string `json:"cweId"`
	Type        string `json:"type"`
}

// flexFloat accepts a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}
