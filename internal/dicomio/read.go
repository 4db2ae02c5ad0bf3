package dicomio

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Non-keyword tags the specific-tag read addresses. The generated dictionary
// carries them, but constants for the PET group are easy to get wrong, so the
// codes are spelled out.
var (
	tagSeriesType = tag.Tag{Group: 0x0054, Element: 0x1000} // SeriesType (PET frame type)
	tagImageIndex = tag.Tag{Group: 0x0054, Element: 0x1330} // ImageIndex (PET bed position index)
)

// FileInfo is the result of a specific-tag read: every field the pipelines
// need, read without touching pixel data.
type FileInfo struct {
	Path string

	PatientID   string
	PatientName string

	StudyUID         string
	SeriesUID        string
	SOPUID           string
	SOPClassUID      string
	Modality         string
	StudyDate        string
	StudyTime        string
	StudyDescription string

	SeriesNumber      *int
	SeriesDescription string
	ProtocolName      string
	BodyPartExamined  string
	Manufacturer      string
	ManufacturerModel string
	SequenceName      string

	InstanceNumber *int
	SliceLocation  *float64
	SliceThickness *float64
	PixelSpacing   string
	ImagePosition  string
	Orientation    string // ImageOrientationPatient, backslash-joined
	ImageType      string // ImageType, backslash-joined

	// MR stack-defining parameters.
	EchoTime        *float64
	RepetitionTime  *float64
	InversionTime   *float64
	FlipAngle       *float64
	EchoNumbers     string
	EchoTrainLength *int
	ReceiveCoilName string
	FieldStrength   *float64

	// CT stack-defining parameters.
	KVP         *float64
	TubeCurrent *float64
	Exposure    *float64

	// PET stack-defining parameters.
	PETBedIndex  string
	PETFrameType string
}

// ReadFileInfo performs the minimal specific-tag read used by traversal,
// discovery and extraction. Pixel data is skipped.
func ReadFileInfo(path string) (*FileInfo, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return fileInfoFromDataset(path, &ds), nil
}

func fileInfoFromDataset(path string, ds *dicom.Dataset) *FileInfo {
	return &FileInfo{
		Path: path,

		PatientID:   ElementString(ds, tag.PatientID),
		PatientName: ElementString(ds, tag.PatientName),

		StudyUID:         ElementString(ds, tag.StudyInstanceUID),
		SeriesUID:        ElementString(ds, tag.SeriesInstanceUID),
		SOPUID:           ElementString(ds, tag.SOPInstanceUID),
		SOPClassUID:      ElementString(ds, tag.SOPClassUID),
		Modality:         ElementString(ds, tag.Modality),
		StudyDate:        ElementString(ds, tag.StudyDate),
		StudyTime:        ElementString(ds, tag.StudyTime),
		StudyDescription: ElementString(ds, tag.StudyDescription),

		SeriesNumber:      ElementInt(ds, tag.SeriesNumber),
		SeriesDescription: ElementString(ds, tag.SeriesDescription),
		ProtocolName:      ElementString(ds, tag.ProtocolName),
		BodyPartExamined:  ElementString(ds, tag.BodyPartExamined),
		Manufacturer:      ElementString(ds, tag.Manufacturer),
		ManufacturerModel: ElementString(ds, tag.ManufacturerModelName),
		SequenceName:      ElementString(ds, tag.SequenceName),

		InstanceNumber: ElementInt(ds, tag.InstanceNumber),
		SliceLocation:  ElementFloat(ds, tag.SliceLocation),
		SliceThickness: ElementFloat(ds, tag.SliceThickness),
		PixelSpacing:   ElementJoined(ds, tag.PixelSpacing),
		ImagePosition:  ElementJoined(ds, tag.ImagePositionPatient),
		Orientation:    ElementJoined(ds, tag.ImageOrientationPatient),
		ImageType:      ElementJoined(ds, tag.ImageType),

		EchoTime:        ElementFloat(ds, tag.EchoTime),
		RepetitionTime:  ElementFloat(ds, tag.RepetitionTime),
		InversionTime:   ElementFloat(ds, tag.InversionTime),
		FlipAngle:       ElementFloat(ds, tag.FlipAngle),
		EchoNumbers:     ElementString(ds, tag.EchoNumbers),
		EchoTrainLength: ElementInt(ds, tag.EchoTrainLength),
		ReceiveCoilName: ElementString(ds, tag.ReceiveCoilName),
		FieldStrength:   ElementFloat(ds, tag.MagneticFieldStrength),

		KVP:         ElementFloat(ds, tag.KVP),
		TubeCurrent: ElementFloat(ds, tag.XRayTubeCurrent),
		Exposure:    ElementFloat(ds, tag.Exposure),

		PETBedIndex:  ElementString(ds, tagImageIndex),
		PETFrameType: ElementString(ds, tagSeriesType),
	}
}

// ElementString returns the first string value of a tag, trimmed, or "".
func ElementString(ds *dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil || elem.Value == nil {
		return ""
	}
	switch v := elem.Value.GetValue().(type) {
	case []string:
		if len(v) == 0 {
			return ""
		}
		return strings.TrimSpace(v[0])
	case []int:
		if len(v) == 0 {
			return ""
		}
		return strconv.Itoa(v[0])
	default:
		return strings.Trim(elem.Value.String(), " []")
	}
}

// ElementJoined returns all string values of a multi-valued tag joined with
// the DICOM value separator, e.g. "1\0\0\0\1\0".
func ElementJoined(ds *dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil || elem.Value == nil {
		return ""
	}
	if vs, ok := elem.Value.GetValue().([]string); ok {
		trimmed := make([]string, len(vs))
		for i, v := range vs {
			trimmed[i] = strings.TrimSpace(v)
		}
		return strings.Join(trimmed, `\`)
	}
	return strings.Trim(elem.Value.String(), " []")
}

// ElementFloat parses the first value of a DS/FL tag as float64. Returns nil
// when the tag is absent or unparsable.
func ElementFloat(ds *dicom.Dataset, t tag.Tag) *float64 {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil || elem.Value == nil {
		return nil
	}
	switch v := elem.Value.GetValue().(type) {
	case []string:
		if len(v) == 0 {
			return nil
		}
		f, perr := strconv.ParseFloat(strings.TrimSpace(v[0]), 64)
		if perr != nil {
			return nil
		}
		return &f
	case []float64:
		if len(v) == 0 {
			return nil
		}
		f := v[0]
		return &f
	case []int:
		if len(v) == 0 {
			return nil
		}
		f := float64(v[0])
		return &f
	}
	return nil
}

// ElementInt parses the first value of an IS/US tag as int. Returns nil when
// the tag is absent or unparsable.
func ElementInt(ds *dicom.Dataset, t tag.Tag) *int {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil || elem.Value == nil {
		return nil
	}
	switch v := elem.Value.GetValue().(type) {
	case []int:
		if len(v) == 0 {
			return nil
		}
		n := v[0]
		return &n
	case []string:
		if len(v) == 0 {
			return nil
		}
		n, perr := strconv.Atoi(strings.TrimSpace(v[0]))
		if perr != nil {
			return nil
		}
		return &n
	}
	return nil
}
