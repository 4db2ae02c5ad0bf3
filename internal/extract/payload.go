// Package extract reads the anonymized tree and persists typed metadata into
// the relational store: a pool of subject workers feeding one adaptive
// batching writer over a bounded queue.
package extract

import (
	"github.com/mrsinham/dicomcohort/internal/dicomio"
)

// StudyFields are the study-level attributes extraction persists.
type StudyFields struct {
	Date        string
	Time        string
	Description string
}

// SeriesFields are the series-level attributes extraction persists.
type SeriesFields struct {
	Number       *int
	Description  string
	Protocol     string
	BodyPart     string
	Manufacturer string
	Model        string
	Modality     string
}

// InstanceFields are the instance-level attributes extraction persists.
type InstanceFields struct {
	Number         *int
	SOPClassUID    string
	SliceLocation  *float64
	SliceThickness *float64
	PixelSpacing   string
	ImagePosition  string
	Orientation    string
	ImageType      string
}

// MRIFields are the MR acquisition parameters, including every
// stack-defining one.
type MRIFields struct {
	EchoTime        *float64
	RepetitionTime  *float64
	InversionTime   *float64
	FlipAngle       *float64
	EchoNumbers     string
	EchoTrainLength *int
	ReceiveCoilName string
	FieldStrength   *float64
	SequenceName    string
}

// CTFields are the CT stack-defining parameters.
type CTFields struct {
	KVP         *float64
	TubeCurrent *float64
	Exposure    *float64
}

// PETFields are the PET stack-defining parameters.
type PETFields struct {
	BedIndex  string
	FrameType string
}

// Payload is one extracted instance, everything the writer needs to persist
// the full hierarchy.
type Payload struct {
	SubjectKey  string // top-level folder name
	SubjectCode string
	CodeSource  CodeSource

	StudyUID  string
	SeriesUID string
	SOPUID    string
	Modality  string

	OriginalPatientID string
	PatientName       string
	RelPath           string

	Study    StudyFields
	Series   SeriesFields
	Instance InstanceFields
	MRI      *MRIFields
	CT       *CTFields
	PET      *PETFields
}

// payloadFromInfo maps a specific-tag read onto a payload. Modality detail
// blocks are attached only for the matching modality.
func payloadFromInfo(info *dicomio.FileInfo, subjectKey, relPath string, code string, source CodeSource) Payload {
	p := Payload{
		SubjectKey:        subjectKey,
		SubjectCode:       code,
		CodeSource:        source,
		StudyUID:          info.StudyUID,
		SeriesUID:         info.SeriesUID,
		SOPUID:            info.SOPUID,
		Modality:          info.Modality,
		OriginalPatientID: info.PatientID,
		PatientName:       info.PatientName,
		RelPath:           relPath,
		Study: StudyFields{
			Date:        info.StudyDate,
			Time:        info.StudyTime,
			Description: info.StudyDescription,
		},
		Series: SeriesFields{
			Number:       info.SeriesNumber,
			Description:  info.SeriesDescription,
			Protocol:     info.ProtocolName,
			BodyPart:     info.BodyPartExamined,
			Manufacturer: info.Manufacturer,
			Model:        info.ManufacturerModel,
			Modality:     info.Modality,
		},
		Instance: InstanceFields{
			Number:         info.InstanceNumber,
			SOPClassUID:    info.SOPClassUID,
			SliceLocation:  info.SliceLocation,
			SliceThickness: info.SliceThickness,
			PixelSpacing:   info.PixelSpacing,
			ImagePosition:  info.ImagePosition,
			Orientation:    info.Orientation,
			ImageType:      info.ImageType,
		},
	}

	switch info.Modality {
	case "MR":
		p.MRI = &MRIFields{
			EchoTime:        info.EchoTime,
			RepetitionTime:  info.RepetitionTime,
			InversionTime:   info.InversionTime,
			FlipAngle:       info.FlipAngle,
			EchoNumbers:     info.EchoNumbers,
			EchoTrainLength: info.EchoTrainLength,
			ReceiveCoilName: info.ReceiveCoilName,
			FieldStrength:   info.FieldStrength,
			SequenceName:    info.SequenceName,
		}
	case "CT":
		p.CT = &CTFields{
			KVP:         info.KVP,
			TubeCurrent: info.TubeCurrent,
			Exposure:    info.Exposure,
		}
	case "PT":
		p.PET = &PETFields{
			BedIndex:  info.PETBedIndex,
			FrameType: info.PETFrameType,
		}
	}
	return p
}
