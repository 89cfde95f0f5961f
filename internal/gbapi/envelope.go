package gbapi

import (
	"encoding/xml"
	"fmt"
)

// ResponseMetadata mirrors the paging fields of the upstream response
// envelope. It is serialized as part of paginator session data.
type ResponseMetadata struct {
	Error                string `json:"error"`
	Limit                int    `json:"limit"`
	Offset               int    `json:"offset"`
	NumberOfPageResults  int    `json:"number_of_page_results"`
	NumberOfTotalResults int    `json:"number_of_total_results"`
	StatusCode           int    `json:"status_code"`
	Version              string `json:"version"`
}

// Envelope is the parsed upstream XML response. Results stay raw until the
// caller decodes them with the appropriate kind decoder.
type Envelope struct {
	XMLName              xml.Name   `xml:"response"`
	Error                string     `xml:"error"`
	Limit                int        `xml:"limit"`
	Offset               int        `xml:"offset"`
	NumberOfPageResults  int        `xml:"number_of_page_results"`
	NumberOfTotalResults int        `xml:"number_of_total_results"`
	StatusCode           int        `xml:"status_code"`
	Version              string     `xml:"version"`
	Results              rawResults `xml:"results"`
}

type rawResults struct {
	Inner []byte `xml:",innerxml"`
}

// parseEnvelope decodes the full upstream response body.
func parseEnvelope(body []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := xml.Unmarshal(body, env); err != nil {
		return nil, fmt.Errorf("parse upstream response: %w", err)
	}
	return env, nil
}

// Metadata extracts the paging fields of the envelope.
func (e *Envelope) Metadata() ResponseMetadata {
	return ResponseMetadata{
		Error:                e.Error,
		Limit:                e.Limit,
		Offset:               e.Offset,
		NumberOfPageResults:  e.NumberOfPageResults,
		NumberOfTotalResults: e.NumberOfTotalResults,
		StatusCode:           e.StatusCode,
		Version:              e.Version,
	}
}

// DecodeList decodes the envelope's results element as a list of records of
// the given kind.
func (e *Envelope) DecodeList(kind *Kind) ([]Record, error) {
	inner := append([]byte("<results>"), append(e.Results.Inner, []byte("</results>")...)...)
	switch kind {
	case KindVideo:
		var list struct {
			Items []VideoRecord `xml:"video"`
		}
		if err := xml.Unmarshal(inner, &list); err != nil {
			return nil, fmt.Errorf("decode %s results: %w", kind.ItemName, err)
		}
		out := make([]Record, len(list.Items))
		for i := range list.Items {
			out[i] = &list.Items[i]
		}
		return out, nil
	case KindVideoShow:
		var list struct {
			Items []VideoShowRecord `xml:"video_show"`
		}
		if err := xml.Unmarshal(inner, &list); err != nil {
			return nil, fmt.Errorf("decode %s results: %w", kind.ItemName, err)
		}
		out := make([]Record, len(list.Items))
		for i := range list.Items {
			out[i] = &list.Items[i]
		}
		return out, nil
	case KindVideoCategory:
		var list struct {
			Items []VideoCategoryRecord `xml:"video_category"`
		}
		if err := xml.Unmarshal(inner, &list); err != nil {
			return nil, fmt.Errorf("decode %s results: %w", kind.ItemName, err)
		}
		out := make([]Record, len(list.Items))
		for i := range list.Items {
			out[i] = &list.Items[i]
		}
		return out, nil
	}
	return nil, fmt.Errorf("kind %s has no list decoder", kind.ItemName)
}

// DecodeOne decodes the envelope's results element as a single record of
// the given kind. Single-item responses place the record's fields directly
// under <results>.
func (e *Envelope) DecodeOne(kind *Kind) (Record, error) {
	inner := append([]byte("<results>"), append(e.Results.Inner, []byte("</results>")...)...)
	var rec Record
	switch kind {
	case KindVideo:
		rec = &VideoRecord{}
	case KindVideoShow:
		rec = &VideoShowRecord{}
	case KindVideoCategory:
		rec = &VideoCategoryRecord{}
	default:
		return nil, fmt.Errorf("kind %s has no item decoder", kind.ItemName)
	}
	if err := xml.Unmarshal(inner, rec); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", kind.ItemName, err)
	}
	if rec.RecordID() == 0 {
		return nil, fmt.Errorf("%s result is empty", kind.ItemName)
	}
	return rec, nil
}
