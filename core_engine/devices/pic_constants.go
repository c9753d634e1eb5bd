package devices

// 8259A PIC I/O Port Addresses
const (
	PIC_MASTER_CMD_PORT  uint16 = 0x20 // Master PIC Command Port
	PIC_MASTER_DATA_PORT uint16 = 0x21 // Master PIC Data (IMR) Port
	PIC_SLAVE_CMD_PORT   uint16 = 0xA0 // Slave PIC Command Port
	PIC_SLAVE_DATA_PORT  uint16 = 0xA1 // Slave PIC Data (IMR) Port
)

// Vector offsets programmed by the BIOS in real mode.
const (
	PIC_MASTER_VECTOR_BASE uint8 = 0x08
	PIC_SLAVE_VECTOR_BASE  uint8 = 0x70
)

// Fixed IRQ lines of a PC/AT
const (
	PIT_IRQ              uint8 = 0 // Programmable Interval Timer
	PIC_MASTER_SLAVE_IRQ uint8 = 2 // Master PIC IRQ line connected to Slave PIC
	RTC_IRQ              uint8 = 8 // Real-Time Clock (Slave IRQ0)
)

// ICW1 (Initialization Command Word 1) bits
const (
	PIC_ICW1_IC4  byte = 0x01 // ICW4 needed
	PIC_ICW1_SNGL byte = 0x02 // Single (1) or Cascade (0) mode
	PIC_ICW1_ADI  byte = 0x04 // Call address interval, ignored on x86
	PIC_ICW1_LTIM byte = 0x08 // Level (1) or Edge (0) triggered mode
	PIC_ICW1_INIT byte = 0x10 // Initialization bit (must be 1 for ICW1)
)

// ICW4 (Initialization Command Word 4) bits
const (
	PIC_ICW4_UPM  byte = 0x01 // 8086/8088 mode
	PIC_ICW4_AEOI byte = 0x02 // Auto EOI
	PIC_ICW4_MS   byte = 0x04 // Master/Slave in buffered mode
	PIC_ICW4_BUF  byte = 0x08 // Buffered mode
	PIC_ICW4_SFNM byte = 0x10 // Special Fully Nested Mode
)

// OCW2 (Operational Command Word 2) bits
const (
	PIC_OCW2_L0L1L2  byte = 0x07 // IR Level to act upon (for specific EOI)
	PIC_OCW2_EOI_CMD byte = 0x20 // End of Interrupt command bit
	PIC_OCW2_SL_CMD  byte = 0x40 // Specific/Level command bit (1 for specific)
	PIC_OCW2_R_CMD   byte = 0x80 // Rotate command bit
)

// OCW3 (Operational Command Word 3) bits
const (
	PIC_OCW3_RIS_CMD  byte = 0x01 // Read ISR if set (1), IRR if clear (0) (when RR is set)
	PIC_OCW3_RR_CMD   byte = 0x02 // Read Register command bit
	PIC_OCW3_POLL_CMD byte = 0x04 // Poll command bit
	PIC_OCW3_OCW3_ID  byte = 0x08 // Identifies this as an OCW3 if set.
	PIC_OCW3_ESMM_CMD byte = 0x20 // Enable Special Mask Mode command bit
	PIC_OCW3_SMM_CMD  byte = 0x40 // Set Special Mask Mode command bit (when ESMM is also set)
)

// PIT Port Constants
const (
	PIT_PORT_COUNTER0 uint16 = 0x40
	PIT_PORT_COUNTER1 uint16 = 0x41
	PIT_PORT_COUNTER2 uint16 = 0x42
	PIT_PORT_COMMAND  uint16 = 0x43
)

// PIT input clock in Hz.
const PIT_FREQUENCY = 1193182

// Read/Write modes for PIT counter control word
const (
	PIT_RW_LATCH byte = 0x00 // Latch count value command
	PIT_RW_LSB   byte = 0x01 // Read/Write LSB only
	PIT_RW_MSB   byte = 0x02 // Read/Write MSB only
	PIT_RW_LOHI  byte = 0x03 // Read/Write LSB then MSB
)

// PIT operating modes used for periodic interrupts.
const (
	PIT_MODE_RATE   byte = 2 // Rate generator
	PIT_MODE_SQUARE byte = 3 // Square wave generator
)

// RTC Constants
const (
	RTC_PORT_INDEX uint16 = 0x70 // RTC Index/Address Register
	RTC_PORT_DATA  uint16 = 0x71 // RTC Data Register

	RTC_REG_SECONDS      byte = 0x00
	RTC_REG_MINUTES      byte = 0x02
	RTC_REG_HOURS        byte = 0x04
	RTC_REG_DAY_OF_WEEK  byte = 0x06
	RTC_REG_DAY_OF_MONTH byte = 0x07
	RTC_REG_MONTH        byte = 0x08
	RTC_REG_YEAR         byte = 0x09

	RTC_REG_A byte = 0x0A // Status Register A
	RTC_REG_B byte = 0x0B // Status Register B
	RTC_REG_C byte = 0x0C // Status Register C
	RTC_REG_D byte = 0x0D // Status Register D

	// RTC_REG_A bits
	RTC_A_UIP     byte = 0x80 // Update In Progress (Read-Only)
	RTC_A_RS_MASK byte = 0x0F // Rate Selection for the periodic interrupt

	// RTC_REG_B bits
	RTC_B_SET  byte = 0x80 // Inhibit update cycle
	RTC_B_PIE  byte = 0x40 // Periodic Interrupt Enable
	RTC_B_AIE  byte = 0x20 // Alarm Interrupt Enable
	RTC_B_UIE  byte = 0x10 // Update Ended Interrupt Enable
	RTC_B_SQWE byte = 0x08 // Square Wave Enable
	RTC_B_DM   byte = 0x04 // Data Mode (0=BCD, 1=Binary)
	RTC_B_2412 byte = 0x02 // 24/12 Hour Mode (0=12hr, 1=24hr)
	RTC_B_DSE  byte = 0x01 // Daylight Savings Enable

	// RTC_REG_C bits (read to clear)
	RTC_C_IRQF byte = 0x80 // Interrupt Request Flag (any of PF, AF, UF is 1)
	RTC_C_PF   byte = 0x40 // Periodic Interrupt Flag
	RTC_C_AF   byte = 0x20 // Alarm Interrupt Flag
	RTC_C_UF   byte = 0x10 // Update Ended Interrupt Flag

	// RTC_REG_D bits
	RTC_D_VRT byte = 0x80 // Valid RAM and Time
)

// RTC time base feeding the rate divider.
const RTC_BASE_FREQUENCY = 32768
