package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jakechorley/farm-visits/pkg/core/model"
)

// fields is a decoded JSON object keyed by normalised key (letters and digits, lower case)
type fields map[string]interface{}

func decodeFields(raw json.RawMessage) (fields, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("failed to decode object: %w", err)
	}
	return canonical(obj), nil
}

func canonical(obj map[string]interface{}) fields {
	f := make(fields, len(obj))
	for k, v := range obj {
		f[model.NormalizeStatus(k)] = v
	}
	return f
}

// lookup returns the first non-null value found under any alias
func (f fields) lookup(aliases ...string) (interface{}, bool) {
	for _, a := range aliases {
		if v, ok := f[a]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (f fields) str(aliases ...string) string {
	v, ok := f.lookup(aliases...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func (f fields) boolean(aliases ...string) bool {
	v, ok := f.lookup(aliases...)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case json.Number:
		n, err := t.Float64()
		return err == nil && n != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y":
			return true
		}
	}
	return false
}

func (f fields) integer(aliases ...string) int {
	return int(f.number(aliases...))
}

func (f fields) number(aliases ...string) float64 {
	v, ok := f.lookup(aliases...)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case json.Number:
		n, _ := t.Float64()
		return n
	case string:
		n, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return n
	}
	return 0
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (f fields) time(aliases ...string) (*time.Time, error) {
	s := f.str(aliases...)
	if s == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognised timestamp %q for %s", s, aliases[0])
}

func (f fields) location() *model.Location {
	if v, ok := f.lookup("location", "gps", "coordinates", "gpslocation"); ok {
		switch t := v.(type) {
		case string:
			if loc, err := model.ParseLocation(t); err == nil {
				return loc
			}
		case map[string]interface{}:
			inner := canonical(t)
			if _, ok := inner.lookup("latitude", "lat"); ok {
				return &model.Location{
					Latitude:  inner.number("latitude", "lat"),
					Longitude: inner.number("longitude", "lng", "lon"),
				}
			}
		}
	}
	if _, ok := f.lookup("latitude", "lat"); ok {
		if _, ok := f.lookup("longitude", "lng", "lon"); ok {
			return &model.Location{
				Latitude:  f.number("latitude", "lat"),
				Longitude: f.number("longitude", "lng", "lon"),
			}
		}
	}
	return nil
}

func (f fields) object(aliases ...string) (fields, bool) {
	v, ok := f.lookup(aliases...)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return canonical(m), true
}

// Unwrap strips the response envelopes the service has accumulated:
// a bare payload, {data}, {data:{items}} or {data:{recordset}}
func Unwrap(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return trimmed, nil
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("failed to decode response envelope: %w", err)
	}

	data, ok := rawLookup(env, "data")
	if !ok {
		return trimmed, nil
	}

	inner := bytes.TrimSpace(data)
	if len(inner) > 0 && inner[0] == '{' {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(inner, &nested); err == nil {
			if items, ok := rawLookup(nested, "items"); ok {
				return items, nil
			}
			if rs, ok := rawLookup(nested, "recordset"); ok {
				return rs, nil
			}
		}
	}
	return inner, nil
}

func rawLookup(obj map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	for k, v := range obj {
		if model.NormalizeStatus(k) == key {
			return v, true
		}
	}
	return nil, false
}

// DecodeVisit maps a loosely-typed visit payload onto the canonical Visit
func DecodeVisit(raw json.RawMessage) (model.Visit, error) {
	f, err := decodeFields(raw)
	if err != nil {
		return model.Visit{}, err
	}
	return visitFromFields(f)
}

func visitFromFields(f fields) (model.Visit, error) {
	v := model.Visit{
		ScheduleID:   f.str("scheduleid", "id", "visitid", "visitscheduleid"),
		AdvisorID:    f.str("advisorid", "advisor", "assignedadvisorid"),
		FarmID:       f.str("farmid", "farm"),
		ManagerID:    f.str("managerid", "approverid", "approvedby"),
		VisitPurpose: f.str("visitpurpose", "purpose"),
		IsUrgent:     f.boolean("isurgent", "urgent"),
		ApprovalNote: f.str("approvalnote", "rejectionreason", "approvalcomment", "reason"),
		VisitSummary: f.str("visitsummary", "summary"),
		FollowUpNote: f.str("followupnote", "followupnotes"),
		StartedBy:    f.str("startedby"),
		CompletedBy:  f.str("completedby"),
		Location:     f.location(),
		Deleted:      f.boolean("isdeleted", "deleted"),
		FormFilled: f.boolean("formfilled", "isfilled", "filled", "hasfilledform", "isvisitfilled",
			"iscompleted", "iscomplete", "completed"),
	}

	if v.ScheduleID == "" {
		return model.Visit{}, fmt.Errorf("visit payload has no schedule id")
	}

	if ft := f.str("farmtype", "farmtypename", "farmcategory"); ft != "" {
		parsed, ok := model.ParseFarmType(ft)
		if !ok {
			return model.Visit{}, fmt.Errorf("visit %s: unrecognised farm type %q", v.ScheduleID, ft)
		}
		v.FarmType = parsed
	}

	// Unrecognised statuses are kept verbatim: they match no known status,
	// so every predicate that depends on them reports false
	status := f.str("visitstatus", "status")
	if vs, ok := model.ParseVisitStatus(status); ok {
		v.VisitStatus = vs
	} else {
		v.VisitStatus = model.VisitStatus(status)
	}

	approval := f.str("approvalstatus", "approval")
	if as, ok := model.ParseApprovalStatus(approval); ok {
		v.ApprovalStatus = as
	} else {
		v.ApprovalStatus = model.ApprovalStatus(approval)
	}

	proposed, err := f.time("proposeddate", "scheduleddate", "visitdate")
	if err != nil {
		return model.Visit{}, err
	}
	if proposed != nil {
		v.ProposedDate = *proposed
	}
	if v.ActualVisitDate, err = f.time("actualvisitdate", "actualdate"); err != nil {
		return model.Visit{}, err
	}
	if v.NextFollowUpDate, err = f.time("nextfollowupdate", "followupdate"); err != nil {
		return model.Visit{}, err
	}
	updated, err := f.time("updatedat", "modifiedat", "lastmodified")
	if err != nil {
		return model.Visit{}, err
	}
	if updated != nil {
		v.UpdatedAt = *updated
	}

	return v, nil
}

// UnknownStatuses lists the status values on v that are missing or not recognised,
// as "VisitStatus=<raw>" entries, so callers can log them
func UnknownStatuses(v model.Visit) []string {
	var out []string
	if !v.VisitStatus.IsValid() {
		out = append(out, fmt.Sprintf("VisitStatus=%q", string(v.VisitStatus)))
	}
	if !v.ApprovalStatus.IsValid() {
		out = append(out, fmt.Sprintf("ApprovalStatus=%q", string(v.ApprovalStatus)))
	}
	return out
}

// DecodeVisits decodes a list payload (already unwrapped). Rows that cannot be
// decoded at all are skipped and reported in skipped; the rest are returned.
func DecodeVisits(raw json.RawMessage) (visits []model.Visit, skipped []error, err error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []model.Visit{}, nil, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, nil, fmt.Errorf("failed to decode visit list: %w", err)
	}

	visits = make([]model.Visit, 0, len(items))
	for i, item := range items {
		v, err := DecodeVisit(item)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("visit %d: %w", i, err))
			continue
		}
		visits = append(visits, v)
	}
	return visits, skipped, nil
}

// DecodeDetail maps a Layer or Dairy detail payload onto a DetailRecord.
// Observation fields may be flat on the record or nested under "layer"/"dairy".
func DecodeDetail(raw json.RawMessage) (model.DetailRecord, error) {
	f, err := decodeFields(raw)
	if err != nil {
		return model.DetailRecord{}, err
	}
	return detailFromFields(f)
}

func detailFromFields(f fields) (model.DetailRecord, error) {
	d := model.DetailRecord{
		DetailID:        f.str("detailid", "layervisitid", "dairyvisitid", "visitdetailid", "id"),
		ScheduleID:      f.str("scheduleid", "visitid"),
		Location:        f.location(),
		Recommendations: f.str("recommendations", "recommendation", "advice"),
	}

	if ft := f.str("farmtype"); ft != "" {
		parsed, ok := model.ParseFarmType(ft)
		if !ok {
			return model.DetailRecord{}, fmt.Errorf("detail %s: unrecognised farm type %q", d.DetailID, ft)
		}
		d.FarmType = parsed
	}

	if layer, ok := f.object("layer", "layervisit"); ok {
		d.Layer = layerFromFields(layer)
		d.FarmType = model.FarmLayer
	} else if dairy, ok := f.object("dairy", "dairyvisit"); ok {
		d.Dairy = dairyFromFields(dairy)
		d.FarmType = model.FarmDairy
	} else if _, ok := f.lookup("flocksize", "eggproductionpercent", "birdageweeks"); ok {
		d.Layer = layerFromFields(f)
		d.FarmType = model.FarmLayer
	} else if _, ok := f.lookup("herdsize", "milkyieldlitres", "milkingcows"); ok {
		d.Dairy = dairyFromFields(f)
		d.FarmType = model.FarmDairy
	}

	created, err := f.time("createdat")
	if err != nil {
		return model.DetailRecord{}, err
	}
	if created != nil {
		d.CreatedAt = *created
	}
	updated, err := f.time("updatedat", "modifiedat")
	if err != nil {
		return model.DetailRecord{}, err
	}
	if updated != nil {
		d.UpdatedAt = *updated
	}

	return d, nil
}

func layerFromFields(f fields) *model.LayerVisit {
	return &model.LayerVisit{
		FlockSize:            f.integer("flocksize", "numberofbirds"),
		BirdAgeWeeks:         f.integer("birdageweeks", "ageinweeks"),
		Mortality:            f.integer("mortality", "mortalitycount"),
		EggProductionPercent: f.number("eggproductionpercent", "eggproduction", "layingpercent"),
		FeedIntakeGrams:      f.number("feedintakegrams", "feedintake"),
		WaterIntakeLitres:    f.number("waterintakelitres", "waterintake"),
		BiosecurityScore:     f.integer("biosecurityscore", "biosecurity"),
		Observations:         f.str("observations", "remarks"),
	}
}

func dairyFromFields(f fields) *model.DairyVisit {
	return &model.DairyVisit{
		HerdSize:           f.integer("herdsize", "numberofcows"),
		MilkingCows:        f.integer("milkingcows", "cowsinmilk"),
		MilkYieldLitres:    f.number("milkyieldlitres", "milkyield"),
		BodyConditionScore: f.number("bodyconditionscore", "bcs"),
		MastitisCases:      f.integer("mastitiscases", "mastitis"),
		FeedType:           f.str("feedtype"),
		Observations:       f.str("observations", "remarks"),
	}
}

// DecodeFilledForm decodes the getFilledForm payload. A null or empty payload
// yields an empty FilledForm, meaning nothing has been filled yet.
func DecodeFilledForm(raw json.RawMessage) (model.FilledForm, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return model.FilledForm{}, nil
	}

	f, err := decodeFields(trimmed)
	if err != nil {
		return model.FilledForm{}, err
	}

	var out model.FilledForm
	if sched, ok := f.object("schedule", "visit", "visitschedule"); ok {
		v, err := visitFromFields(sched)
		if err != nil {
			return model.FilledForm{}, fmt.Errorf("failed to decode schedule: %w", err)
		}
		out.Schedule = &v
	}
	if form, ok := f.object("form", "detail", "layervisit", "dairyvisit", "filledform"); ok && len(form) > 0 {
		d, err := detailFromFields(form)
		if err != nil {
			return model.FilledForm{}, fmt.Errorf("failed to decode form: %w", err)
		}
		out.Form = &d
	}
	return out, nil
}

// NormalizeError converts a non-success response into the error taxonomy.
// Bodies may carry {message} and/or {details|errors|validationErrors} either as
// an object keyed by field or as an array of {field, message}.
func NormalizeError(status int, body []byte) error {
	var obj map[string]interface{}
	_ = json.Unmarshal(bytes.TrimSpace(body), &obj)
	f := canonical(obj)

	message := f.str("message", "error", "title", "detail")
	fieldErrs := make(map[string]string)

	for _, key := range []string{"details", "errors", "validationerrors"} {
		v, ok := f[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case map[string]interface{}:
			for name, val := range t {
				fieldErrs[name] = stringify(val)
			}
		case []interface{}:
			for _, item := range t {
				switch e := item.(type) {
				case map[string]interface{}:
					ef := canonical(e)
					name := ef.str("field", "path", "property", "name", "param")
					fieldErrs[name] = joinMessage(fieldErrs[name], ef.str("message", "msg", "error"))
				case string:
					fieldErrs[""] = joinMessage(fieldErrs[""], e)
				}
			}
		case string:
			if message == "" {
				message = t
			}
		}
	}

	if message == "" {
		message = http.StatusText(status)
	}

	switch {
	case status == http.StatusNotFound:
		return &NotFoundError{Message: message}
	case len(fieldErrs) > 0 || status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		if len(fieldErrs) == 0 {
			fieldErrs = nil
		}
		return &ValidationError{Message: message, Fields: fieldErrs}
	default:
		return &APIError{Status: status, Message: message}
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, stringify(p))
		}
		return strings.Join(parts, "; ")
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func joinMessage(existing, msg string) string {
	if existing == "" {
		return msg
	}
	if msg == "" {
		return existing
	}
	return existing + "; " + msg
}
