package harp

import "fmt"

// CommonRegister is an address every Harp device implements.
type CommonRegister byte

const (
	RegWhoAmI           CommonRegister = 0  // U16
	RegHardwareVersionH CommonRegister = 1  // U8
	RegHardwareVersionL CommonRegister = 2  // U8
	RegAssemblyVersion  CommonRegister = 3  // U8
	RegCoreVersionH     CommonRegister = 4  // U8
	RegCoreVersionL     CommonRegister = 5  // U8
	RegFirmwareVersionH CommonRegister = 6  // U8
	RegFirmwareVersionL CommonRegister = 7  // U8
	RegTimestampSecond  CommonRegister = 8  // U32
	RegTimestampMicro   CommonRegister = 9  // U16
	RegOperationControl CommonRegister = 10 // U8
	RegResetDevice      CommonRegister = 11 // U8
	RegDeviceName       CommonRegister = 12 // U8 array, null terminated
	RegSerialNumber     CommonRegister = 13 // U16
	RegClockConfig      CommonRegister = 14 // U8
	RegTimestampOffset  CommonRegister = 15 // U8
	RegUID              CommonRegister = 16
	RegTag              CommonRegister = 17

	// Not yet ratified.
	RegFirmwareUpdateCapabilities CommonRegister = 32 // U32
	RegFirmwareUpdateStartCommand CommonRegister = 33 // U32
)

var registerNames = map[CommonRegister]string{
	RegWhoAmI:                     "R_WHO_AM_I",
	RegHardwareVersionH:           "R_HW_VERSION_H",
	RegHardwareVersionL:           "R_HW_VERSION_L",
	RegAssemblyVersion:            "R_ASSEMBLY_VERSION",
	RegCoreVersionH:               "R_CORE_VERSION_H",
	RegCoreVersionL:               "R_CORE_VERSION_L",
	RegFirmwareVersionH:           "R_FW_VERSION_H",
	RegFirmwareVersionL:           "R_FW_VERSION_L",
	RegTimestampSecond:            "R_TIMESTAMP_SECOND",
	RegTimestampMicro:             "R_TIMESTAMP_MICRO",
	RegOperationControl:           "R_OPERATION_CTRL",
	RegResetDevice:                "R_RESET_DEV",
	RegDeviceName:                 "R_DEVICE_NAME",
	RegSerialNumber:               "R_SERIAL_NUMBER",
	RegClockConfig:                "R_CLOCK_CONFIG",
	RegTimestampOffset:            "R_TIMESTAMP_OFFSET",
	RegUID:                        "R_UID",
	RegTag:                        "R_TAG",
	RegFirmwareUpdateCapabilities: "R_FIRMWARE_UPDATE_CAPABILITIES",
	RegFirmwareUpdateStartCommand: "R_FIRMWARE_UPDATE_START_COMMAND",
}

func (r CommonRegister) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("R_%d", byte(r))
}

// FirmwareUpdateCapabilities is the bit set reported by
// RegFirmwareUpdateCapabilities.
type FirmwareUpdateCapabilities uint32

const (
	FirmwareUpdateNone        FirmwareUpdateCapabilities = 0
	FirmwareUpdatePicoBootsel FirmwareUpdateCapabilities = 1 << 0
)

// Has reports whether all bits of flag are set.
func (c FirmwareUpdateCapabilities) Has(flag FirmwareUpdateCapabilities) bool {
	return c&flag == flag
}
