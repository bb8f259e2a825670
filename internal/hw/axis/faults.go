package axis

// Motion error register bits.
const (
	FaultCANBus         uint16 = 1 << 0
	FaultShortCircuit   uint16 = 1 << 1
	FaultInvalidSetup   uint16 = 1 << 2
	FaultControl        uint16 = 1 << 3
	FaultSerialComm     uint16 = 1 << 4
	FaultPositionWrap   uint16 = 1 << 5
	FaultLimitPositive  uint16 = 1 << 6
	FaultLimitNegative  uint16 = 1 << 7
	FaultOvercurrent    uint16 = 1 << 8
	FaultI2T            uint16 = 1 << 9
	FaultMotorTemp      uint16 = 1 << 10
	FaultDriveTemp      uint16 = 1 << 11
	FaultOvervoltage    uint16 = 1 << 12
	FaultUndervoltage   uint16 = 1 << 13
	FaultCommand        uint16 = 1 << 14
	FaultEnableInactive uint16 = 1 << 15
)

var faultText = []struct {
	bit  uint16
	text string
}{
	{FaultEnableInactive, "Enable input is inactive"},
	{FaultCommand, "Command error"},
	{FaultUndervoltage, "Under voltage error"},
	{FaultOvervoltage, "Over voltage error"},
	{FaultDriveTemp, "Drive over temperature error"},
	{FaultMotorTemp, "Motor temperature error"},
	{FaultI2T, "Drive or motor I2T error"},
	{FaultOvercurrent, "Overcurrent error"},
	{FaultLimitNegative, "LSN active"},
	{FaultLimitPositive, "LSP active"},
	{FaultPositionWrap, "Hall sensor missing or Position wrap-around error"},
	{FaultSerialComm, "Serial communication error"},
	{FaultControl, "Control error"},
	{FaultInvalidSetup, "Setup table invalid"},
	{FaultShortCircuit, "Short-circuit error"},
	{FaultCANBus, "CANbus error"},
}

// DecodeFaults turns a motion error register into fault descriptions, most
// significant bit first. Bits set in ignoreMask are skipped.
func DecodeFaults(reg, ignoreMask uint16) []string {
	reg &^= ignoreMask
	if reg == 0 {
		return nil
	}
	var out []string
	for _, f := range faultText {
		if reg&f.bit != 0 {
			out = append(out, f.text)
		}
	}
	return out
}
