// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

/*
 * Protocol Identifier Values
 *
 * 0 Fibre Channel (FCP-2)
 * 1 Parallel SCSI (SPI-5)
 * 2 SSA (SSA-S3P)
 * 3 IEEE 1394 (SBP-3)
 * 4 SCSI Remote Direct Memory Access (SRP)
 * 5 iSCSI
 * 6 SAS Serial SCSI Protocol (SAS)
 * 7 Automation/Drive Interface (ADT)
 * 8 AT Attachment Interface (ATA/ATAPI-7)
 */
const (
	ProtocolIdentifierValueIscsi = byte(0x05)
)

/*
 * Code Set
 *
 *  1 - Designator fild contains binary values
 *  2 - Designator field contains ASCII printable chars
 *  3 - Designaotor field contains UTF-8
 */
const (
	InqCodeBin   = byte(1)
	InqCodeAscii = byte(2)
	InqCodeUtf8  = byte(3)
)

/*
 * Association field
 *
 * 00b - Associated with Logical Unit
 * 01b - Associated with target port
 * 10b - Associated with SCSI Target device
 */
const (
	AssociatedLogicalUnit = byte(0x00)
	AssociatedTgtPort     = byte(0x01)
	AssociatedTarget      = byte(0x02)
)

/*
 * PERIPHERAL QUALIFIER field
 * 000b - a device of the indicated type is connected to this logical unit
 * 001b - the device server supports the type but no device is connected
 * 011b - the device server cannot support a device on this logical unit
 */
const (
	PeripheralQualifierDeviceConnected  = byte(0x00)
	PeripheralQualifierDeviceNotConnect = byte(0x01)
	PeripheralQualifierNotSupported     = byte(0x03)
)

/*
 * Designator type - SPC-4 Reference
 *
 * 0 - Vendor specific - 7.6.3.3
 * 1 - T10 vendor ID - 7.6.3.4
 * 2 - EUI-64 - 7.6.3.5
 * 3 - NAA - 7.6.3.6
 * 4 - Relative Target port identifier - 7.6.3.7
 * 5 - Target Port group - 7.6.3.8
 * 6 - Logical Unit group - 7.6.3.9
 * 7 - MD5 logical unit identifier - 7.6.3.10
 * 8 - SCSI name string - 7.6.3.11
 */
const (
	DesignatorTypeVendor     = 0
	DesignatorTypeT10        = 1
	DesignatorTypeEui64      = 2
	DesignatorTypeNaa        = 3
	DesignatorTypeRelTgtPort = 4
	DesignatorTypeTgtPortGrp = 5
	DesignatorTypeScsi       = 8
)

const (
	SupportedVpdPagesVpdPageCode          = byte(0x00)
	UnitSerialNumberVpdPageCode           = byte(0x80)
	DeviceIdentificationVpdPageCode       = byte(0x83)
	BlockLimitsVpdPageCode                = byte(0xB0)
	BlockDeviceCharacteristicsVpdPageCode = byte(0xB1)
	BlockProvisioningVpdPageCode          = byte(0xB2)
)

const StandardInquiryLength = 36

type ErrShortData struct {
	what   string
	length int
	need   int
}

func (err ErrShortData) Error() string {
	return fmt.Sprintf("%s: %d bytes, need %d", err.what, err.length, err.need)
}

type InquiryData struct {
	Qualifier  byte
	DeviceType SCSIDeviceType
	Removable  bool
	Version    byte
	CmdQue     bool
	VendorID   string
	ProductID  string
	ProductRev string
}

func (data InquiryData) String() string {
	return fmt.Sprintf("%s %s %s (type 0x%02x)", data.VendorID, data.ProductID, data.ProductRev, byte(data.DeviceType))
}

// ParseInquiry decodes standard inquiry data.
//
// Reference : SPC4r11
// 6.4.2 - Standard INQUIRY data
func ParseInquiry(data []byte) (InquiryData, error) {
	if len(data) < StandardInquiryLength {
		return InquiryData{}, &ErrShortData{what: "standard inquiry data", length: len(data), need: StandardInquiryLength}
	}
	return InquiryData{
		Qualifier:  data[0] >> 5,
		DeviceType: SCSIDeviceType(data[0] & 0x1f),
		Removable:  data[1]&0x80 != 0,
		Version:    data[2],
		CmdQue:     data[7]&0x02 != 0,
		VendorID:   ByteToString(data[8:16]),
		ProductID:  ByteToString(data[16:32]),
		ProductRev: ByteToString(data[32:36]),
	}, nil
}

func vpdPagePayload(data []byte, page byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, &ErrShortData{what: "VPD page", length: len(data), need: 4}
	}
	if data[1] != page {
		return nil, fmt.Errorf("VPD page 0x%02x returned instead of 0x%02x", data[1], page)
	}
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) < 4+length {
		length = len(data) - 4
	}
	return data[4 : 4+length], nil
}

// ParseSupportedVpdPages lists the VPD pages a logical unit supports.
func ParseSupportedVpdPages(data []byte) ([]byte, error) {
	return vpdPagePayload(data, SupportedVpdPagesVpdPageCode)
}

// ParseUnitSerialNumber decodes the Unit Serial Number VPD page.
func ParseUnitSerialNumber(data []byte) (string, error) {
	payload, err := vpdPagePayload(data, UnitSerialNumberVpdPageCode)
	if err != nil {
		return "", err
	}
	return ByteToString(payload), nil
}

type Designator struct {
	Protocol    byte
	CodeSet     byte
	Association byte
	Type        byte
	Value       []byte
}

func (designator Designator) String() string {
	if designator.CodeSet == InqCodeAscii || designator.CodeSet == InqCodeUtf8 {
		return ByteToString(designator.Value)
	}
	return hex.EncodeToString(designator.Value)
}

// ParseDeviceIdentification decodes the designators of the Device
// Identification VPD page.
func ParseDeviceIdentification(data []byte) ([]Designator, error) {
	payload, err := vpdPagePayload(data, DeviceIdentificationVpdPageCode)
	if err != nil {
		return nil, err
	}
	var designators []Designator
	for len(payload) >= 4 {
		length := int(payload[3])
		if len(payload) < 4+length {
			return designators, &ErrShortData{what: "designator", length: len(payload), need: 4 + length}
		}
		designators = append(designators, Designator{
			Protocol:    payload[0] >> 4,
			CodeSet:     payload[0] & 0x0f,
			Association: (payload[1] >> 4) & 0x03,
			Type:        payload[1] & 0x0f,
			Value:       append([]byte(nil), payload[4:4+length]...),
		})
		payload = payload[4+length:]
	}
	return designators, nil
}
